package mirror

import (
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/snapshot"
)

type indexResult struct {
	file     repo.IndexFile
	primary  bool
	known    bool
	id       string
	packages []*repo.Package
	err      error
}

// fetchIndices is stage 2.  Every index file listed in md is fetched and
// stored unless its checksum is already known.  The primary index is also
// parsed into the package manifest.
//
// A failed primary aborts the run; any other failed index file is
// recorded in its snapshot entry.
func (m *Mirror) fetchIndices(ctx context.Context, md *repo.Metadata) ([]snapshot.IndexFileEntry, []*repo.Package, error) {
	primary, err := repo.PickPrimary(md.IndexFiles)
	if err != nil {
		return nil, nil, errors.Wrap(err, m.name)
	}

	var entries []snapshot.IndexFileEntry
	var packages []*repo.Package
	var reused, downloaded int
	err = fanOut(ctx, m.p.MaxConns, md.IndexFiles, func(ctx context.Context, f repo.IndexFile) *indexResult {
		r := &indexResult{file: f, primary: f.Location == primary.Location}
		r.id, r.known, r.packages, r.err = m.fetchIndex(ctx, &r.file, r.primary)
		return r
	}, func(r *indexResult) error {
		if r.err != nil {
			re, ok := reportable(r.err)
			if r.primary || !ok {
				return errors.Wrapf(r.err, "%s: index %s", m.name, r.file.Location)
			}
			slog.Warn("index file failed", "repo", m.name, "path", r.file.Location, "error", r.err)
			entries = append(entries, snapshot.IndexFileEntry{IndexFile: r.file, Entry: snapshot.Entry{Err: re}})
			return nil
		}

		id := r.id
		if r.known {
			reused++
		} else {
			var err error
			id, err = m.p.Index.StoreIndexFile(ctx, &r.file, r.id)
			if err != nil {
				return err
			}
			downloaded++
		}
		if r.primary {
			packages = r.packages
		}
		entries = append(entries, snapshot.IndexFileEntry{IndexFile: r.file, Entry: snapshot.Entry{StorageID: id}})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("download stats", "repo", m.name, "type", "indices", "total", len(md.IndexFiles),
		"reused", reused, "downloaded", downloaded, "packages", len(packages))
	return entries, packages, nil
}

// fetchIndex stores one index file, reusing a known blob when possible, and
// parses it if it is the primary.
func (m *Mirror) fetchIndex(ctx context.Context, f *repo.IndexFile, primary bool) (string, bool, []*repo.Package, error) {
	id, err := m.p.Index.IndexFileStorageID(ctx, f.Checksum)
	if err != nil {
		return "", false, nil, err
	}
	if id != "" && !primary {
		slog.Debug("reusing index file", "repo", m.name, "path", f.Location, "storage_id", id)
		return id, true, nil, nil
	}

	var parser repo.PrimaryParser
	var packages []*repo.Package
	collect := func(p *repo.Package) error {
		packages = append(packages, p)
		return nil
	}
	if primary {
		parser, err = repo.ParserFor(f)
		if err != nil {
			return "", false, nil, err
		}
		if sp, ok := parser.(*repo.SQLiteParser); ok {
			sp.TempDir = m.p.TempDir
		}
	}

	if id != "" {
		if err := m.parseStored(ctx, f, id, parser, collect); err != nil {
			return "", false, nil, err
		}
		return id, true, packages, nil
	}

	var consume func(io.Reader) error
	if primary {
		consume = func(r io.Reader) error {
			packages = packages[:0]
			return parser.Parse(ctx, r, collect)
		}
	}
	b, err := m.fetchBlob(ctx, f.Location, f.Checksum, f.Size, indexRetries, consume)
	if err != nil {
		return "", false, nil, err
	}
	if f.Size < 0 {
		f.Size = b.size
	}
	return b.id, false, packages, nil
}

// parseStored parses a primary index that is already in the blob store.
func (m *Mirror) parseStored(ctx context.Context, f *repo.IndexFile, id string, parser repo.PrimaryParser,
	collect func(*repo.Package) error) error {
	rc, err := m.p.Store.Reader(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "read stored %s", f.Location)
	}
	defer rc.Close()

	v, err := repo.NewVerifyingReader(rc, f.Location, f.Checksum, f.Size)
	if err != nil {
		return err
	}
	perr := parser.Parse(ctx, v, collect)
	if _, err := io.Copy(io.Discard, v); err != nil {
		return errors.Wrapf(err, "stored %s", f.Location)
	}
	return perr
}
