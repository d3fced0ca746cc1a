package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGCS(t *testing.T) {
	bucket, object, err := ParseGCS("gs://archives/studies/S.zip")
	require.NoError(t, err)
	assert.Equal(t, "archives", bucket)
	assert.Equal(t, "studies/S.zip", object)

	for _, bad := range []string{"gs://", "gs://bucket", "gs://bucket/", "gs:///object", "gs://bucket/dir/"} {
		_, _, err := ParseGCS(bad)
		assert.Error(t, err, bad)
	}
}

func TestOpenLocal_Commit(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "S.zip")
	w, err := Open(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, dest, w.Location())

	_, err = w.Write([]byte("PK\x03\x04"))
	require.NoError(t, err)

	// not visible before commit
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, w.Commit())
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04", string(data))
}

func TestOpenLocal_Abort(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(context.Background(), filepath.Join(dir, "S.zip"))
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpen_InvalidDestination(t *testing.T) {
	_, err := Open(context.Background(), "gs://only-bucket")
	require.Error(t, err)
	_, err = Open(context.Background(), "")
	require.Error(t, err)
}

func TestOpener_Root(t *testing.T) {
	root := t.TempDir()
	o := &Opener{Root: root}

	w, err := o.Open(context.Background(), "studies/S.zip")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "studies", "S.zip"), w.Location())
	_, err = w.Write([]byte("PK\x03\x04"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	_, err = os.Stat(filepath.Join(root, "studies", "S.zip"))
	require.NoError(t, err)

	outside := t.TempDir()
	for _, dest := range []string{
		"../escape.zip",
		"studies/../../escape.zip",
		filepath.Join(outside, "abs.zip"),
		".",
		"",
	} {
		_, err := o.Open(context.Background(), dest)
		assert.ErrorIs(t, err, ErrDestinationNotAllowed, dest)
	}
	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpener_RootRejectsSymlinkedDirectory(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := (&Opener{Root: root}).Open(context.Background(), "link/S.zip")
	require.ErrorIs(t, err, ErrDestinationNotAllowed)

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpener_RemoteOnly(t *testing.T) {
	_, err := (&Opener{RemoteOnly: true}).Open(context.Background(), filepath.Join(t.TempDir(), "S.zip"))
	require.ErrorIs(t, err, ErrDestinationNotAllowed)
}
