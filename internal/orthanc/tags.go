package orthanc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// ValueKind discriminates the Value union.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindSequence
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "String"
	case KindSequence:
		return "Sequence"
	default:
		return "Null"
	}
}

// Value is a tag value: a string, a sequence of nested tag sets, or null.
type Value struct {
	Kind ValueKind
	Str  string
	Seq  []*Tags
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindSequence:
		return fmt.Sprintf("[%d items]", len(v.Seq))
	default:
		return ""
	}
}

// TagKey is the (group, element) pair of a tag.
type TagKey = tag.Tag

// ParseTagKey accepts "GGGG,EEEE", "GGGG-EEEE" or "(GGGG,EEEE)".
func ParseTagKey(s string) (TagKey, bool) {
	m := tagKeyPattern.FindStringSubmatch(strings.Trim(s, "()"))
	if m == nil {
		return TagKey{}, false
	}
	g, _ := strconv.ParseUint(m[1], 16, 16)
	e, _ := strconv.ParseUint(m[2], 16, 16)
	return TagKey{Group: uint16(g), Element: uint16(e)}, true
}

var tagKeyPattern = regexp.MustCompile(`^([0-9A-Fa-f]{4})[,-]([0-9A-Fa-f]{4})$`)

// Tag is one entry of a tag set.
type Tag struct {
	Key   TagKey
	Name  string
	Value Value
}

// Tags is a tag set reachable both by name and by (group, element).
type Tags struct {
	order  []TagKey
	byKey  map[TagKey]*Tag
	byName map[string]*Tag
}

// NewTags returns an empty tag set.
func NewTags() *Tags {
	return &Tags{byKey: map[TagKey]*Tag{}, byName: map[string]*Tag{}}
}

type rawTag struct {
	Name  string          `json:"Name"`
	Type  string          `json:"Type"`
	Value json.RawMessage `json:"Value"`
}

// ParseTags decodes the "full" tag format Orthanc returns from
// /instances/{id}/tags, /studies/{id}/module and friends.
func ParseTags(data []byte) (*Tags, error) {
	var raw map[string]rawTag
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return tagsFromRaw(raw)
}

func tagsFromRaw(raw map[string]rawTag) (*Tags, error) {
	t := NewTags()
	keys := make([]TagKey, 0, len(raw))
	byKey := make(map[TagKey]rawTag, len(raw))
	for k, rt := range raw {
		key, ok := ParseTagKey(k)
		if !ok {
			return nil, fmt.Errorf("invalid tag key %q", k)
		}
		keys = append(keys, key)
		byKey[key] = rt
	}
	sortKeys(keys)

	for _, key := range keys {
		rt := byKey[key]
		v, err := decodeValue(rt)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", formatKey(key), err)
		}
		t.Set(Tag{Key: key, Name: rt.Name, Value: v})
	}
	return t, nil
}

func decodeValue(rt rawTag) (Value, error) {
	switch rt.Type {
	case "String":
		var s string
		if err := json.Unmarshal(rt.Value, &s); err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, Str: s}, nil
	case "Sequence":
		var items []map[string]rawTag
		if err := json.Unmarshal(rt.Value, &items); err != nil {
			return Value{}, err
		}
		seq := make([]*Tags, 0, len(items))
		for _, item := range items {
			nested, err := tagsFromRaw(item)
			if err != nil {
				return Value{}, err
			}
			seq = append(seq, nested)
		}
		return Value{Kind: KindSequence, Seq: seq}, nil
	default:
		// Null, TooLong and Binary carry no usable value
		return Value{Kind: KindNull}, nil
	}
}

// Set stores a tag, replacing any tag with the same key. When the tag has
// no name the DICOM dictionary is consulted.
func (t *Tags) Set(tg Tag) {
	if tg.Name == "" {
		if info, err := tag.Find(tg.Key); err == nil {
			tg.Name = info.Name
		}
	}
	if old, ok := t.byKey[tg.Key]; ok {
		if old.Name != "" && old.Name != tg.Name {
			delete(t.byName, old.Name)
		}
	} else {
		t.order = append(t.order, tg.Key)
	}
	stored := tg
	t.byKey[tg.Key] = &stored
	if tg.Name != "" {
		t.byName[tg.Name] = &stored
	}
}

// Lookup resolves accessor, either a tag name or a "GGGG,EEEE" pattern.
func (t *Tags) Lookup(accessor string) (Tag, bool) {
	if key, ok := ParseTagKey(accessor); ok {
		tg, found := t.byKey[key]
		if !found {
			return Tag{}, false
		}
		return *tg, true
	}
	if tg, found := t.byName[accessor]; found {
		return *tg, true
	}
	// names Orthanc did not report may still be known to the dictionary
	if info, err := tag.FindByName(accessor); err == nil {
		if tg, found := t.byKey[info.Tag]; found {
			return *tg, true
		}
	}
	return Tag{}, false
}

// Get returns the value for accessor, Null when absent.
func (t *Tags) Get(accessor string) Value {
	tg, _ := t.Lookup(accessor)
	return tg.Value
}

// GetString returns the string value for accessor and whether it was a string.
func (t *Tags) GetString(accessor string) (string, bool) {
	v := t.Get(accessor)
	return v.Str, v.Kind == KindString
}

// Sequence returns the nested tag sets of a sequence tag.
func (t *Tags) Sequence(accessor string) []*Tags {
	return t.Get(accessor).Seq
}

func (t *Tags) Contains(accessor string) bool {
	_, ok := t.Lookup(accessor)
	return ok
}

func (t *Tags) Len() int { return len(t.byKey) }

// All returns the tags in (group, element) insertion order.
func (t *Tags) All() []Tag {
	out := make([]Tag, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, *t.byKey[k])
	}
	return out
}

// Append merges other into t; on key collision the entry of other wins.
func (t *Tags) Append(other *Tags) {
	if other == nil {
		return
	}
	for _, tg := range other.All() {
		t.Set(tg)
	}
}

func formatKey(k TagKey) string {
	return fmt.Sprintf("%04x,%04x", k.Group, k.Element)
}

func sortKeys(keys []TagKey) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}

func keyLess(a, b TagKey) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// SimplifiedTags is the name to raw value view returned by the
// simplified-tags endpoints. Sequences are left as raw JSON.
type SimplifiedTags map[string]json.RawMessage

// Get returns the string value of name, or "" when absent or not a string.
func (s SimplifiedTags) Get(name string) string {
	raw, ok := s[name]
	if !ok {
		return ""
	}
	var v string
	if json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v
}

func (s SimplifiedTags) Contains(name string) bool {
	_, ok := s[name]
	return ok
}
