// Package export writes snapshot archives to a local file or to a Google
// Cloud Storage object.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

const gcsScheme = "gs://"

// ErrDestinationNotAllowed is returned for local destinations an Opener
// does not accept.
var ErrDestinationNotAllowed = errors.New("destination not allowed")

// Writer receives an archive. Nothing is visible at the destination until
// Commit succeeds; Abort discards what was written.
type Writer interface {
	io.Writer
	Commit() error
	Abort() error
	Location() string
}

// Opener opens destinations. The zero value creates a GCS client on first
// use of a gs:// destination and accepts any local path.
type Opener struct {
	GCS *storage.Client
	// Root confines local destinations to relative paths below it.
	Root string
	// RemoteOnly rejects local destinations.
	RemoteOnly bool
}

// Open is Opener{}.Open.
func Open(ctx context.Context, dest string) (Writer, error) {
	return (&Opener{}).Open(ctx, dest)
}

// Open returns a writer for dest, a local path or gs://bucket/object.
func (o *Opener) Open(ctx context.Context, dest string) (Writer, error) {
	if strings.HasPrefix(dest, gcsScheme) {
		bucket, object, err := ParseGCS(dest)
		if err != nil {
			return nil, err
		}
		return o.openGCS(ctx, bucket, object)
	}
	switch {
	case o.RemoteOnly:
		return nil, fmt.Errorf("%w: %q, only gs:// destinations are accepted", ErrDestinationNotAllowed, dest)
	case o.Root != "":
		return openInRoot(o.Root, dest)
	}
	return openLocal(dest)
}

// ParseGCS splits gs://bucket/object.
func ParseGCS(dest string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(dest, gcsScheme)
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("invalid gcs destination %q, want gs://bucket/object", dest)
	}
	return bucket, object, nil
}

type localWriter struct {
	f    *os.File
	path string
}

func openLocal(path string) (*localWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("empty destination")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &localWriter{f: f, path: path}, nil
}

// openInRoot opens dest below root. dest must be relative and may not
// climb out of root, through ".." or through a symlinked directory.
func openInRoot(root, dest string) (*localWriter, error) {
	if !filepath.IsLocal(dest) || filepath.Clean(dest) == "." {
		return nil, fmt.Errorf("%w: %q must be a relative path inside the export directory", ErrDestinationNotAllowed, dest)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve export directory: %w", err)
	}
	path := filepath.Join(root, dest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve export directory: %w", err)
	}
	realDir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dest, err)
	}
	if rel, err := filepath.Rel(realRoot, realDir); err != nil || !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: %q leaves the export directory", ErrDestinationNotAllowed, dest)
	}
	return openLocal(path)
}

func (w *localWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *localWriter) Commit() error {
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("failed to close %s: %w", w.path, err)
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("failed to move archive to %s: %w", w.path, err)
	}
	return nil
}

func (w *localWriter) Abort() error {
	w.f.Close()
	return os.Remove(w.f.Name())
}

func (w *localWriter) Location() string { return w.path }

type gcsWriter struct {
	w        *storage.Writer
	cancel   context.CancelFunc
	location string
	owned    *storage.Client
}

func (o *Opener) openGCS(ctx context.Context, bucket, object string) (*gcsWriter, error) {
	client := o.GCS
	var owned *storage.Client
	if client == nil {
		var err error
		client, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create gcs client: %w", err)
		}
		owned = client
	}
	// cancelling the writer context aborts the upload
	ctx, cancel := context.WithCancel(ctx)
	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/zip"
	slog.DebugContext(ctx, "Opened gcs destination", "bucket", bucket, "object", object)
	return &gcsWriter{w: w, cancel: cancel, location: gcsScheme + bucket + "/" + object, owned: owned}, nil
}

func (g *gcsWriter) Write(p []byte) (int, error) { return g.w.Write(p) }

func (g *gcsWriter) Commit() error {
	defer g.release()
	if err := g.w.Close(); err != nil {
		return fmt.Errorf("failed to upload %s: %w", g.location, err)
	}
	return nil
}

func (g *gcsWriter) Abort() error {
	g.cancel()
	g.w.Close()
	g.release()
	return nil
}

func (g *gcsWriter) release() {
	g.cancel()
	if g.owned != nil {
		g.owned.Close()
	}
}

func (g *gcsWriter) Location() string { return g.location }
