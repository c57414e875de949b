package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio"
)

// FilesystemStore keeps blobs under a base directory, sharded by the
// first two byte pairs of the ID: base/ab/cd/abcd....
type FilesystemStore struct {
	baseDir string
}

// NewFilesystemStore creates the base directory if needed.
func NewFilesystemStore(baseDir string) (*FilesystemStore, error) {
	if !filepath.IsAbs(baseDir) {
		return nil, errors.New("base_dir must be an absolute path: " + baseDir)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrap(err, "NewFilesystemStore")
	}
	return &FilesystemStore{baseDir: filepath.Clean(baseDir)}, nil
}

func (s *FilesystemStore) path(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, id[0:2], id[2:4], id), nil
}

type fsWriter struct {
	pf   *renameio.PendingFile
	id   string
	dir  string
	done bool
}

// Writer implements Store.
func (s *FilesystemStore) Writer(_ context.Context) (Writer, error) {
	id := newID()
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "FilesystemStore.Writer")
	}
	pf, err := renameio.TempFile(dir, p)
	if err != nil {
		return nil, errors.Wrap(err, "FilesystemStore.Writer")
	}
	return &fsWriter{pf: pf, id: id, dir: dir}, nil
}

func (w *fsWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("write after commit or abandon")
	}
	return w.pf.Write(p)
}

func (w *fsWriter) Commit() (string, error) {
	if w.done {
		return "", errors.New("commit after commit or abandon")
	}
	w.done = true
	if err := w.pf.CloseAtomicallyReplace(); err != nil {
		w.cleanup()
		return "", errors.Wrap(err, "commit "+w.id)
	}
	if err := DirSync(w.dir); err != nil {
		return "", errors.Wrap(err, "commit "+w.id)
	}
	return w.id, nil
}

func (w *fsWriter) Abandon() {
	if w.done {
		return
	}
	w.done = true
	w.cleanup()
}

func (w *fsWriter) cleanup() {
	if err := w.pf.Cleanup(); err != nil {
		slog.Warn("failed to discard partial blob", "storage_id", w.id, "error", err)
	}
}

// Reader implements Store.
func (s *FilesystemStore) Reader(_ context.Context, id string) (io.ReadCloser, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) // #nosec G304 - id is validated by path
	if os.IsNotExist(err) {
		return nil, errors.Mark(errors.Newf("blob %s does not exist", id), ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "FilesystemStore.Reader")
	}
	return f, nil
}

// Remove implements Store.
func (s *FilesystemStore) Remove(_ context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "FilesystemStore.Remove")
}
