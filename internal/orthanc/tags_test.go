package orthanc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTags = `{
  "0010,0010": {"Name": "PatientName", "Type": "String", "Value": "DOE^JOHN"},
  "0008,0018": {"Name": "SOPInstanceUID", "Type": "String", "Value": "1.2.3.4"},
  "0010,1010": {"Name": "PatientAge", "Type": "Null", "Value": null},
  "7fe0,0010": {"Name": "PixelData", "Type": "Binary", "Value": null},
  "0040,0275": {"Name": "RequestAttributesSequence", "Type": "Sequence", "Value": [
    {"0040,1001": {"Name": "RequestedProcedureID", "Type": "String", "Value": "RP1"}},
    {"0040,1001": {"Name": "RequestedProcedureID", "Type": "String", "Value": "RP2"}}
  ]}
}`

func TestParseTagKey(t *testing.T) {
	for _, s := range []string{"0010,0010", "0010-0010", "(0010,0010)"} {
		k, ok := ParseTagKey(s)
		require.True(t, ok, s)
		assert.Equal(t, TagKey{Group: 0x0010, Element: 0x0010}, k)
	}
	_, ok := ParseTagKey("PatientName")
	assert.False(t, ok)
}

func TestParseTags(t *testing.T) {
	tags, err := ParseTags([]byte(sampleTags))
	require.NoError(t, err)
	assert.Equal(t, 5, tags.Len())

	name, ok := tags.GetString("PatientName")
	require.True(t, ok)
	assert.Equal(t, "DOE^JOHN", name)

	byKey, ok := tags.GetString("0010,0010")
	require.True(t, ok)
	assert.Equal(t, name, byKey)

	assert.True(t, tags.Get("PatientAge").IsNull())
	assert.True(t, tags.Get("PixelData").IsNull())
	assert.True(t, tags.Contains("PatientAge"))
	assert.False(t, tags.Contains("StudyDate"))

	seq := tags.Sequence("RequestAttributesSequence")
	require.Len(t, seq, 2)
	rp, _ := seq[1].GetString("RequestedProcedureID")
	assert.Equal(t, "RP2", rp)

	all := tags.All()
	require.Len(t, all, 5)
	assert.Equal(t, TagKey{Group: 0x0008, Element: 0x0018}, all[0].Key)
	assert.Equal(t, TagKey{Group: 0x7fe0, Element: 0x0010}, all[4].Key)
}

func TestParseTags_InvalidKey(t *testing.T) {
	_, err := ParseTags([]byte(`{"PatientName": {"Name": "PatientName", "Type": "String", "Value": "x"}}`))
	require.Error(t, err)
}

func TestTags_SetUsesDictionaryName(t *testing.T) {
	tags := NewTags()
	tags.Set(Tag{Key: TagKey{Group: 0x0020, Element: 0x000d}, Value: Value{Kind: KindString, Str: "1.2"}})

	uid, ok := tags.GetString("StudyInstanceUID")
	require.True(t, ok)
	assert.Equal(t, "1.2", uid)
}

func TestTags_AppendLastWriteWins(t *testing.T) {
	a := NewTags()
	a.Set(Tag{Key: TagKey{Group: 0x0010, Element: 0x0020}, Name: "PatientID", Value: Value{Kind: KindString, Str: "old"}})
	b := NewTags()
	b.Set(Tag{Key: TagKey{Group: 0x0010, Element: 0x0020}, Name: "PatientID", Value: Value{Kind: KindString, Str: "new"}})
	b.Set(Tag{Key: TagKey{Group: 0x0010, Element: 0x0010}, Name: "PatientName", Value: Value{Kind: KindString, Str: "DOE"}})

	a.Append(b)
	assert.Equal(t, 2, a.Len())
	id, _ := a.GetString("PatientID")
	assert.Equal(t, "new", id)
}

func TestStudies_TagsMergesPatientModule(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")

	tags, err := c.Studies.Tags(context.Background(), "S")
	require.NoError(t, err)

	uid, _ := tags.GetString("StudyInstanceUID")
	assert.Equal(t, "1.2.3.S", uid)
	pid, _ := tags.GetString("PatientID")
	assert.Equal(t, "PID-S", pid)
}

func TestInstances_Tags(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	tags, err := c.Instances.Tags(ctx, "a1")
	require.NoError(t, err)
	uid, _ := tags.GetString("SOPInstanceUID")
	assert.Equal(t, "1.2.3.A.a1", uid)
	assert.Len(t, tags.Sequence("0040,0275"), 2)

	simple, err := c.Instances.SimplifiedTags(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Series A", simple.Get("SeriesDescription"))
	assert.False(t, simple.Contains("PatientAge"))
}
