package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_ParseAndJSON(t *testing.T) {
	for _, l := range Levels {
		parsed, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
	_, err := ParseLevel("Frame")
	require.Error(t, err)

	assert.Equal(t, "studies", LevelStudy.Segment())
	assert.Equal(t, "series", LevelSeries.Segment())

	data, err := json.Marshal(LevelInstance)
	require.NoError(t, err)
	assert.JSONEq(t, `"Instance"`, string(data))

	var l Level
	require.NoError(t, json.Unmarshal([]byte(`"Series"`), &l))
	assert.Equal(t, LevelSeries, l)
}

func TestResources_GetAndNavigate(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1", "a2")
	srv.AddInstances("S", "B", "b1")
	ctx := context.Background()

	study, err := c.Studies.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, study.Series)
	assert.Equal(t, "1.2.3.S", study.MainTags.StudyInstanceUID)
	assert.Equal(t, "PID-S", study.PatientMainTags.PatientID)

	ids, err := c.Studies.InstanceIDs(ctx, "S")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, ids)

	parent, err := c.Instances.ParentSeries(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "B", parent)

	studyID, err := c.Series.ParentStudy(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "S", studyID)

	studies, err := c.Patients.StudyIDs(ctx, study.ParentPatient)
	require.NoError(t, err)
	assert.Equal(t, []string{"S"}, studies)

	_, err = c.Studies.Get(ctx, "")
	require.Error(t, err)
}

func TestResources_ExistsAndDelete(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1", "a2")
	ctx := context.Background()

	ok, err := c.Instances.Exists(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Instances.Delete(ctx, "a1", false))
	ok, err = c.Instances.Exists(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, c.Instances.Delete(ctx, "a1", false), ErrResourceNotFound)
	require.NoError(t, c.Instances.Delete(ctx, "a1", true))

	deleted, err := c.Studies.DeleteAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"S"}, deleted)
	assert.False(t, srv.HasInstance("a2"))
}

func TestResources_AttachmentRevisions(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	rev1, err := c.Studies.SetAttachment(ctx, "S", "report", []byte("v1"), AttachmentOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	require.NotEmpty(t, rev1)

	content, rev, err := c.Studies.GetAttachment(ctx, "S", "report")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))
	assert.Equal(t, rev1, rev)

	rev2, err := c.Studies.SetAttachment(ctx, "S", "report", []byte("v2"), AttachmentOptions{MatchRevision: rev1})
	require.NoError(t, err)
	assert.NotEqual(t, rev1, rev2)

	// stale revision is rejected and the stored content is unchanged
	_, err = c.Studies.SetAttachment(ctx, "S", "report", []byte("v3"), AttachmentOptions{MatchRevision: rev1})
	require.ErrorIs(t, err, ErrConflict)

	var buf bytes.Buffer
	_, err = c.Studies.DownloadAttachment(ctx, "S", "report", &buf)
	require.NoError(t, err)
	assert.Equal(t, "v2", buf.String())
}

func TestResources_MetadataDefault(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	v, rev, err := c.Series.GetStringMetadata(ctx, "A", "1024", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
	assert.Empty(t, rev)

	has, err := c.Series.HasMetadata(ctx, "A", "1024")
	require.NoError(t, err)
	assert.False(t, has)

	rev, err = c.Series.SetStringMetadata(ctx, "A", "1024", "hello", "")
	require.NoError(t, err)

	v, got, err := c.Series.GetStringMetadata(ctx, "A", "1024", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, rev, got)

	require.ErrorIs(t, c.Series.DeleteMetadata(ctx, "A", "1024", `"999"`), ErrConflict)
	require.NoError(t, c.Series.DeleteMetadata(ctx, "A", "1024", rev))

	raw, _, err := c.Series.GetMetadata(ctx, "A", "1024", []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, raw)
}

func TestResources_Labels(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	require.NoError(t, c.Studies.AddLabels(ctx, "S", []string{"todo", "urgent"}))
	labels, err := c.Studies.Labels(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, []string{"todo", "urgent"}, labels)

	require.NoError(t, c.Studies.DeleteLabel(ctx, "S", "todo"))
	all, err := c.AllLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent"}, all)
}

func TestResources_Lookup(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	id, found, err := c.Studies.LookupByUID(ctx, "1.2.3.S")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "S", id)

	_, found, err = c.Studies.Lookup(ctx, "9.9.9")
	require.NoError(t, err)
	assert.False(t, found)

	// the study uid is not a series uid
	_, found, err = c.Series.Lookup(ctx, "1.2.3.S")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResources_LookupTooMany(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Type":"Study","ID":"s1"},{"Type":"Study","ID":"s2"},{"Type":"Series","ID":"x"}]`))
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	_, _, err := c.Studies.Lookup(ctx, "1.2.3")
	require.ErrorIs(t, err, ErrTooManyResourcesFound)

	id, found, err := c.Series.Lookup(ctx, "1.2.3")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "x", id)
}

func TestResources_ModifySingle(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	id, err := c.Series.Modify(ctx, "A", ModifyOptions{Replace: map[string]any{"SeriesDescription": "x"}, DeleteOriginal: true})
	require.NoError(t, err)
	assert.Equal(t, "mod-A", id)
	assert.True(t, srv.HasInstance("mod-a1"))
	assert.False(t, srv.HasInstance("a1"))
}

func TestResources_DownloadArchive(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1", "a2")

	var buf bytes.Buffer
	n, err := c.Series.DownloadArchive(context.Background(), "A", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("PK")))
}

func TestCached(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	cache := NewCached[SeriesInfo](c.Series)
	first, err := cache.Get(ctx, "A")
	require.NoError(t, err)
	srv.AddInstances("S", "A", "a2")

	again, err := cache.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, first.Instances, again.Instances)
	assert.Equal(t, 1, srv.Requests("GET", "/series/A"))

	cache.Invalidate("A")
	fresh, err := cache.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, fresh.Instances)
}
