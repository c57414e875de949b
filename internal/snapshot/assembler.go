package snapshot

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/storage"
)

// PointerFile is the name of the file, inside a snapshot directory, that
// holds the storage ID of the snapshot index.
const PointerFile = "snapshot.storage_id"

// MetadataRecorder durably records a repomd.xml.  *repodb.DB implements it.
type MetadataRecorder interface {
	StoreRepoMetadata(ctx context.Context, universe, repoName string, md *repo.Metadata) (int64, error)
}

// Assembler commits the snapshots of a run.
type Assembler struct {
	store    storage.Store
	recorder MetadataRecorder
	// TempDir holds the index while it is being written.  Empty means
	// os.TempDir.
	TempDir string
}

// NewAssembler creates an Assembler.
func NewAssembler(store storage.Store, recorder MetadataRecorder) *Assembler {
	return &Assembler{store: store, recorder: recorder}
}

// Commit records the metadata of every snapshot, uploads the snapshot
// index and writes the pointer file into outDir.  It must only be called
// once every download of the run has finished.
//
// Commit returns the storage ID of the index.
func (a *Assembler) Commit(ctx context.Context, snaps []*Snapshot, outDir string) (string, error) {
	for _, s := range snaps {
		fetched, err := a.recorder.StoreRepoMetadata(ctx, s.Universe, s.Repo, s.Metadata)
		if err != nil {
			return "", errors.Wrapf(err, "record metadata of %s", s.Repo)
		}
		slog.Debug("recorded repo metadata", "repo", s.Repo, "universe", s.Universe, "fetch_timestamp", fetched)
	}

	tmp, err := os.MkdirTemp(a.TempDir, "snapshot-index-")
	if err != nil {
		return "", errors.Wrap(err, "Commit")
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			slog.Warn("failed to remove temp dir", "path", tmp, "error", err)
		}
	}()

	file := filepath.Join(tmp, "snapshot.sqlite3")
	if err := writeIndex(ctx, file, snaps); err != nil {
		return "", err
	}
	id, err := a.upload(ctx, file)
	if err != nil {
		return "", err
	}
	if err := WritePointer(outDir, id); err != nil {
		return "", err
	}
	slog.Info("snapshot committed", "dir", outDir, "storage_id", id, "repos", len(snaps))
	return id, nil
}

func (a *Assembler) upload(ctx context.Context, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", errors.Wrap(err, "upload snapshot index")
	}
	defer f.Close()

	w, err := a.store.Writer(ctx)
	if err != nil {
		return "", errors.Wrap(err, "upload snapshot index")
	}
	defer w.Abandon()
	if _, err := io.Copy(w, f); err != nil {
		return "", errors.Wrap(err, "upload snapshot index")
	}
	id, err := w.Commit()
	return id, errors.Wrap(err, "upload snapshot index")
}

// WritePointer atomically writes the pointer file into dir.
func WritePointer(dir, id string) error {
	if err := renameio.WriteFile(filepath.Join(dir, PointerFile), []byte(id+"\n"), 0644); err != nil {
		return errors.Wrap(err, "WritePointer")
	}
	return errors.Wrap(storage.DirSync(dir), "WritePointer")
}

// ReadPointer returns the storage ID recorded in dir.
func ReadPointer(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, PointerFile))
	if err != nil {
		return "", errors.Wrap(err, "ReadPointer")
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", errors.Newf("%s is empty", filepath.Join(dir, PointerFile))
	}
	return id, nil
}
