package orthanc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Level is a level of the patient/study/series/instance hierarchy.
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
	LevelInstance
)

var levelTable = [...]struct {
	name    string
	segment string
	uidTag  string
}{
	LevelPatient:  {"Patient", "patients", "PatientID"},
	LevelStudy:    {"Study", "studies", "StudyInstanceUID"},
	LevelSeries:   {"Series", "series", "SeriesInstanceUID"},
	LevelInstance: {"Instance", "instances", "SOPInstanceUID"},
}

// Levels lists every level from the top of the hierarchy down.
var Levels = []Level{LevelPatient, LevelStudy, LevelSeries, LevelInstance}

func (l Level) valid() bool { return l >= LevelPatient && l <= LevelInstance }

// String returns the name Orthanc uses in JSON bodies ("Study", ...).
func (l Level) String() string {
	if !l.valid() {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelTable[l].name
}

// Segment returns the URL segment of the level ("studies", ...).
func (l Level) Segment() string {
	if !l.valid() {
		return ""
	}
	return levelTable[l].segment
}

// UIDTag names the DICOM tag identifying a resource of the level.
func (l Level) UIDTag() string {
	if !l.valid() {
		return ""
	}
	return levelTable[l].uidTag
}

// ParseLevel accepts a level name or URL segment, case-insensitively.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if strings.EqualFold(s, levelTable[l].name) || strings.EqualFold(s, levelTable[l].segment) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown resource level %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	if !l.valid() {
		return nil, fmt.Errorf("invalid level %d", int(l))
	}
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Resources is the directory of one level. T is the value type returned
// by Get.
type Resources[T any] struct {
	client *Client
	level  Level
}

func newResources[T any](c *Client, level Level) *Resources[T] {
	return &Resources[T]{client: c, level: level}
}

func (r *Resources[T]) Level() Level { return r.level }

func (r *Resources[T]) path(id string, parts ...string) string {
	p := r.level.Segment() + "/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// Get fetches the resource description. Nothing is cached; see Cached.
func (r *Resources[T]) Get(ctx context.Context, id string) (T, error) {
	var info T
	if id == "" {
		return info, fmt.Errorf("%s id cannot be empty", strings.ToLower(r.level.String()))
	}
	if err := r.client.getJSON(ctx, r.path(id), &info); err != nil {
		return info, fmt.Errorf("failed to get %s %s: %w", r.level, id, err)
	}
	return info, nil
}

// AllIDs lists every resource id of the level.
func (r *Resources[T]) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.client.getJSON(ctx, r.level.Segment(), &ids); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.level.Segment(), err)
	}
	return ids, nil
}

// Exists reports whether the resource is known to Orthanc.
func (r *Resources[T]) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.client.Do(ctx, http.MethodGet, r.path(id), nil, nil)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes one resource. A missing resource is an error unless
// ignoreErrors is set.
func (r *Resources[T]) Delete(ctx context.Context, id string, ignoreErrors bool) error {
	slog.DebugContext(ctx, "Deleting resource", "level", r.level.String(), "id", id)
	err := r.client.delete(ctx, r.path(id))
	if IsNotFound(err) && ignoreErrors {
		return nil
	}
	return err
}

// DeleteMany deletes ids one by one and stops at the first error.
func (r *Resources[T]) DeleteMany(ctx context.Context, ids []string, ignoreErrors bool) error {
	for _, id := range ids {
		if err := r.Delete(ctx, id, ignoreErrors); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll deletes every resource of the level and returns the deleted ids.
func (r *Resources[T]) DeleteAll(ctx context.Context, ignoreErrors bool) ([]string, error) {
	ids, err := r.AllIDs(ctx)
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := r.Delete(ctx, id, ignoreErrors); err != nil {
			return deleted, err
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (r *Resources[T]) Statistics(ctx context.Context, id string) (ResourceStatistics, error) {
	var st ResourceStatistics
	err := r.client.getJSON(ctx, r.path(id, "statistics"), &st)
	return st, err
}

// AttachmentOptions qualifies SetAttachment. An empty MatchRevision writes
// unconditionally.
type AttachmentOptions struct {
	ContentType   string
	MatchRevision string
}

// SetAttachment stores content under name and returns the new revision.
// A stale MatchRevision fails with ErrConflict and leaves the content as is.
func (r *Resources[T]) SetAttachment(ctx context.Context, id, name string, content []byte, opts AttachmentOptions) (string, error) {
	header := http.Header{}
	if opts.ContentType != "" {
		header.Set("Content-Type", opts.ContentType)
	}
	if opts.MatchRevision != "" {
		header.Set("If-Match", opts.MatchRevision)
	}
	resp, err := r.client.put(ctx, r.path(id, "attachments", name), content, header)
	if err != nil {
		return "", fmt.Errorf("failed to set attachment %s on %s %s: %w", name, r.level, id, err)
	}
	return resp.Header.Get("ETag"), nil
}

// GetAttachment returns the attachment content and its current revision.
func (r *Resources[T]) GetAttachment(ctx context.Context, id, name string) ([]byte, string, error) {
	resp, err := r.client.Do(ctx, http.MethodGet, r.path(id, "attachments", name, "data"), nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get attachment %s on %s %s: %w", name, r.level, id, err)
	}
	return resp.Body, resp.Header.Get("ETag"), nil
}

// DownloadAttachment streams the attachment content to w.
func (r *Resources[T]) DownloadAttachment(ctx context.Context, id, name string, w io.Writer) (int64, error) {
	return r.client.stream(ctx, http.MethodGet, r.path(id, "attachments", name, "data"), nil, nil, w)
}

// SetMetadata stores a binary metadata value and returns the new revision.
func (r *Resources[T]) SetMetadata(ctx context.Context, id, name string, content []byte, matchRevision string) (string, error) {
	header := http.Header{}
	if matchRevision != "" {
		header.Set("If-Match", matchRevision)
	}
	resp, err := r.client.put(ctx, r.path(id, "metadata", name), content, header)
	if err != nil {
		return "", fmt.Errorf("failed to set metadata %s on %s %s: %w", name, r.level, id, err)
	}
	return resp.Header.Get("ETag"), nil
}

func (r *Resources[T]) SetStringMetadata(ctx context.Context, id, name, content, matchRevision string) (string, error) {
	return r.SetMetadata(ctx, id, name, []byte(content), matchRevision)
}

// GetMetadata returns the metadata value and revision, or def and an empty
// revision when the metadata is absent.
func (r *Resources[T]) GetMetadata(ctx context.Context, id, name string, def []byte) ([]byte, string, error) {
	content, rev, found, err := r.getMetadata(ctx, id, name)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return def, "", nil
	}
	return content, rev, nil
}

// GetStringMetadata is GetMetadata over UTF-8 strings.
func (r *Resources[T]) GetStringMetadata(ctx context.Context, id, name, def string) (string, string, error) {
	content, rev, found, err := r.getMetadata(ctx, id, name)
	if err != nil {
		return "", "", err
	}
	if !found {
		return def, "", nil
	}
	return string(content), rev, nil
}

func (r *Resources[T]) HasMetadata(ctx context.Context, id, name string) (bool, error) {
	_, _, found, err := r.getMetadata(ctx, id, name)
	return found, err
}

func (r *Resources[T]) getMetadata(ctx context.Context, id, name string) ([]byte, string, bool, error) {
	resp, err := r.client.Do(ctx, http.MethodGet, r.path(id, "metadata", name), nil, nil)
	if IsNotFound(err) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to get metadata %s on %s %s: %w", name, r.level, id, err)
	}
	return resp.Body, resp.Header.Get("ETag"), true, nil
}

// DeleteMetadata removes a metadata value; matchRevision guards it like a write.
func (r *Resources[T]) DeleteMetadata(ctx context.Context, id, name, matchRevision string) error {
	header := http.Header{}
	if matchRevision != "" {
		header.Set("If-Match", matchRevision)
	}
	_, err := r.client.Do(ctx, http.MethodDelete, r.path(id, "metadata", name), nil, header)
	return err
}

func (r *Resources[T]) Labels(ctx context.Context, id string) ([]string, error) {
	var labels []string
	err := r.client.getJSON(ctx, r.path(id, "labels"), &labels)
	return labels, err
}

func (r *Resources[T]) AddLabel(ctx context.Context, id, label string) error {
	_, err := r.client.put(ctx, r.path(id, "labels", label), nil, nil)
	return err
}

// AddLabels adds labels one at a time; Orthanc has no batch call.
func (r *Resources[T]) AddLabels(ctx context.Context, id string, labels []string) error {
	for _, l := range labels {
		if err := r.AddLabel(ctx, id, l); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resources[T]) DeleteLabel(ctx context.Context, id, label string) error {
	return r.client.delete(ctx, r.path(id, "labels", label))
}

func (r *Resources[T]) DeleteLabels(ctx context.Context, id string, labels []string) error {
	for _, l := range labels {
		if err := r.DeleteLabel(ctx, id, l); err != nil {
			return err
		}
	}
	return nil
}

// Lookup finds the resource of this level carrying dicomID. found is false
// when nothing matches; several matches fail with ErrTooManyResourcesFound.
func (r *Resources[T]) Lookup(ctx context.Context, dicomID string) (id string, found bool, err error) {
	refs, err := r.client.Lookup(ctx, dicomID, r.level)
	if err != nil {
		return "", false, err
	}
	switch len(refs) {
	case 0:
		return "", false, nil
	case 1:
		return refs[0].ID, true, nil
	default:
		return "", false, fmt.Errorf("lookup of %s %q returned %d resources: %w", r.level, dicomID, len(refs), ErrTooManyResourcesFound)
	}
}

// ModifyOptions describes a modification or anonymization. The zero value
// changes nothing and keeps the source.
type ModifyOptions struct {
	Replace        map[string]any
	Remove         []string
	Keep           []string
	DeleteOriginal bool
	Force          bool
	Transcode      string
	Permissive     bool
}

type modifyRequest struct {
	Replace   map[string]any `json:"Replace,omitempty"`
	Remove    []string       `json:"Remove,omitempty"`
	Keep      []string       `json:"Keep,omitempty"`
	Force     bool           `json:"Force"`
	Transcode string         `json:"Transcode,omitempty"`
}

// Modify rewrites one resource synchronously and returns the id of the
// modified copy. With DeleteOriginal the source is deleted when the copy
// got a new id.
func (r *Resources[T]) Modify(ctx context.Context, id string, opts ModifyOptions) (string, error) {
	return r.rewrite(ctx, "modify", id, opts)
}

// Anonymize is Modify with Orthanc's anonymization profile.
func (r *Resources[T]) Anonymize(ctx context.Context, id string, opts ModifyOptions) (string, error) {
	return r.rewrite(ctx, "anonymize", id, opts)
}

func (r *Resources[T]) rewrite(ctx context.Context, operation, id string, opts ModifyOptions) (string, error) {
	req := modifyRequest{
		Replace:   opts.Replace,
		Remove:    opts.Remove,
		Keep:      opts.Keep,
		Force:     opts.Force,
		Transcode: opts.Transcode,
	}
	var out struct {
		ID   string `json:"ID"`
		Path string `json:"Path"`
	}
	if err := r.client.postJSON(ctx, r.path(id, operation), req, &out); err != nil {
		return "", fmt.Errorf("failed to %s %s %s: %w", operation, r.level, id, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%s of %s %s returned no id", operation, r.level, id)
	}
	if opts.DeleteOriginal && out.ID != id {
		if err := r.Delete(ctx, id, false); err != nil {
			return out.ID, fmt.Errorf("modified %s %s but failed to delete the original: %w", r.level, id, err)
		}
	}
	return out.ID, nil
}

// DownloadArchive streams the zip archive of the resource to w.
func (r *Resources[T]) DownloadArchive(ctx context.Context, id string, w io.Writer) (int64, error) {
	return r.client.stream(ctx, http.MethodGet, r.path(id, "archive"), nil, nil, w)
}

// DownloadMedia streams a DICOMDIR media zip of the resource to w.
func (r *Resources[T]) DownloadMedia(ctx context.Context, id string, w io.Writer) (int64, error) {
	return r.client.stream(ctx, http.MethodGet, r.path(id, "media"), nil, nil, w)
}

// Getter fetches a resource description by id.
type Getter[T any] interface {
	Get(ctx context.Context, id string) (T, error)
}

// Cached memoises Get. Callers opt in and own invalidation.
type Cached[T any] struct {
	src Getter[T]

	mu      sync.Mutex
	entries map[string]T
}

func NewCached[T any](src Getter[T]) *Cached[T] {
	return &Cached[T]{src: src, entries: map[string]T{}}
}

func (c *Cached[T]) Get(ctx context.Context, id string) (T, error) {
	c.mu.Lock()
	v, ok := c.entries[id]
	c.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := c.src.Get(ctx, id)
	if err != nil {
		return v, err
	}
	c.mu.Lock()
	c.entries[id] = v
	c.mu.Unlock()
	return v, nil
}

func (c *Cached[T]) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *Cached[T]) Purge() {
	c.mu.Lock()
	c.entries = map[string]T{}
	c.mu.Unlock()
}

// Patients is the patient directory.
type Patients struct {
	*Resources[PatientInfo]
}

func (p *Patients) StudyIDs(ctx context.Context, id string) ([]string, error) {
	info, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return info.Studies, nil
}

// Studies is the study directory.
type Studies struct {
	*Resources[StudyInfo]
}

func (s *Studies) SeriesIDs(ctx context.Context, id string) ([]string, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return info.Series, nil
}

// Instances returns the descriptions of every instance of the study.
func (s *Studies) Instances(ctx context.Context, id string) ([]InstanceInfo, error) {
	var instances []InstanceInfo
	if err := s.client.getJSON(ctx, s.path(id, "instances"), &instances); err != nil {
		return nil, fmt.Errorf("failed to get instances of study %s: %w", id, err)
	}
	slog.DebugContext(ctx, "Retrieved study instances", "studyID", id, "instanceCount", len(instances))
	return instances, nil
}

func (s *Studies) InstanceIDs(ctx context.Context, id string) ([]string, error) {
	instances, err := s.Instances(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return ids, nil
}

// Tags composes the study module with the patient module.
func (s *Studies) Tags(ctx context.Context, id string) (*Tags, error) {
	study, err := s.moduleTags(ctx, id, "module")
	if err != nil {
		return nil, err
	}
	patient, err := s.moduleTags(ctx, id, "module-patient")
	if err != nil {
		return nil, err
	}
	study.Append(patient)
	return study, nil
}

func (s *Studies) moduleTags(ctx context.Context, id, module string) (*Tags, error) {
	resp, err := s.client.Do(ctx, http.MethodGet, s.path(id, module), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s of study %s: %w", module, id, err)
	}
	return ParseTags(resp.Body)
}

// LookupByUID resolves a StudyInstanceUID.
func (s *Studies) LookupByUID(ctx context.Context, uid string) (string, bool, error) {
	return s.Lookup(ctx, uid)
}

// SeriesList is the series directory.
type SeriesList struct {
	*Resources[SeriesInfo]
}

func (s *SeriesList) InstanceIDs(ctx context.Context, id string) ([]string, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return info.Instances, nil
}

func (s *SeriesList) ParentStudy(ctx context.Context, id string) (string, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return info.ParentStudy, nil
}

// Instances is the instance directory.
type Instances struct {
	*Resources[InstanceInfo]
}

func (i *Instances) ParentSeries(ctx context.Context, id string) (string, error) {
	info, err := i.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return info.ParentSeries, nil
}

// Tags returns the full tag set of the instance.
func (i *Instances) Tags(ctx context.Context, id string) (*Tags, error) {
	resp, err := i.client.Do(ctx, http.MethodGet, i.path(id, "tags"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get tags of instance %s: %w", id, err)
	}
	return ParseTags(resp.Body)
}

func (i *Instances) SimplifiedTags(ctx context.Context, id string) (SimplifiedTags, error) {
	var tags SimplifiedTags
	if err := i.client.getJSON(ctx, i.path(id, "simplified-tags"), &tags); err != nil {
		return nil, fmt.Errorf("failed to get simplified-tags of instance %s: %w", id, err)
	}
	return tags, nil
}

// File returns the raw DICOM file.
func (i *Instances) File(ctx context.Context, id string) ([]byte, error) {
	resp, err := i.client.Do(ctx, http.MethodGet, i.path(id, "file"), nil, http.Header{"Accept": {contentTypeDICOM}})
	if err != nil {
		return nil, fmt.Errorf("failed to get file of instance %s: %w", id, err)
	}
	return resp.Body, nil
}

// DownloadFile streams the raw DICOM file to w.
func (i *Instances) DownloadFile(ctx context.Context, id string, w io.Writer) (int64, error) {
	return i.client.stream(ctx, http.MethodGet, i.path(id, "file"), nil, nil, w)
}

// Preview returns a rendered image of the instance and its content type.
func (i *Instances) Preview(ctx context.Context, id string) ([]byte, string, error) {
	resp, err := i.client.Do(ctx, http.MethodGet, i.path(id, "preview"), nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get preview of instance %s: %w", id, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return resp.Body, contentType, nil
}

