package mirror

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/retry"
	"github.com/mirrorctl/reposnap/internal/snapshot"
	"github.com/mirrorctl/reposnap/internal/storage"
)

// Retry ladders: attempt i waits RetryScale * 2^i.
const (
	metadataRetries = 8
	indexRetries    = 10
	packageRetries  = 9
	dbRetries       = 8
)

// Index is the dedup index as seen by the pipeline.  *repodb.DB
// implements it.
type Index interface {
	ChecksumIndex
	PackageStorageID(ctx context.Context, universe string, p *repo.Package) (string, repo.Checksum, error)
	StorePackage(ctx context.Context, universe string, p *repo.Package, storageID string) (string, error)
	IndexFileStorageID(ctx context.Context, c repo.Checksum) (string, error)
	StoreIndexFile(ctx context.Context, f *repo.IndexFile, storageID string) (string, error)
}

// Pipeline holds what every repo of a run shares.
type Pipeline struct {
	Client   *HTTPClient
	Store    storage.Store
	Index    Index
	Detector *Detector
	Shard    Shard
	// MaxConns bounds the workers of a stage.
	MaxConns int
	// MetadataAttempts bounds the stage 1 fetches of one repomd.xml.
	MetadataAttempts int
	RetryScale       time.Duration
	// TempDir holds decompressed SQLite primaries.  Empty means
	// os.TempDir.
	TempDir string
	Quiet   bool

	allowlist map[string]bool
}

// SetAllowlist sets the accepted GPG key fingerprints.
func (p *Pipeline) SetAllowlist(fingerprints []string) error {
	p.allowlist = make(map[string]bool)
	for _, fp := range fingerprints {
		s, err := normalizeFingerprint(fp)
		if err != nil {
			return err
		}
		p.allowlist[s] = true
	}
	return nil
}

func (p *Pipeline) executor(name string, retries int) *retry.Executor {
	return &retry.Executor{
		Name:        name,
		Delays:      retry.Exponential(retries, p.RetryScale),
		IsRetryable: isRetryable,
	}
}

// Mirror runs the pipeline stages for one repo.
type Mirror struct {
	name string
	rc   *RepoConfig
	p    *Pipeline
}

// NewMirror constructs a Mirror for the repo named name.
func (p *Pipeline) NewMirror(name string, rc *RepoConfig) (*Mirror, error) {
	if !IsValidName(name) {
		return nil, errors.New("invalid repo name: " + name)
	}
	if err := rc.Check(); err != nil {
		return nil, errors.Wrap(err, name)
	}
	return &Mirror{name: name, rc: rc, p: p}, nil
}

// Run snapshots repos, keyed by name.
//
// Stage 1 completes for every repo before any index file is fetched, so
// that all repomd.xml documents of a run are as close in time as possible.
// Stages 2 and 3 then run repo by repo.  Per-object failures are
// recorded in the returned snapshots; a returned error aborts the run.
func (p *Pipeline) Run(ctx context.Context, names []string, repos map[string]*RepoConfig) ([]*snapshot.Snapshot, error) {
	mirrors := make([]*Mirror, 0, len(names))
	for _, name := range names {
		rc, ok := repos[name]
		if !ok {
			return nil, errors.New("no such repo: " + name)
		}
		m, err := p.NewMirror(name, rc)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}

	type stage1Result struct {
		i    int
		snap *snapshot.Snapshot
		err  error
	}
	snaps := make([]*snapshot.Snapshot, len(mirrors))
	order := make([]int, len(mirrors))
	for i := range order {
		order[i] = i
	}
	err := fanOut(ctx, p.MaxConns, order, func(ctx context.Context, i int) stage1Result {
		m := mirrors[i]
		md, err := m.fetchMetadata(ctx)
		if err != nil {
			return stage1Result{i: i, err: err}
		}
		keys, err := m.fetchKeys(ctx)
		if err != nil {
			return stage1Result{i: i, err: err}
		}
		return stage1Result{i: i, snap: &snapshot.Snapshot{
			Repo:     m.name,
			Universe: m.rc.Universe,
			Metadata: md,
			GPGKeys:  keys,
		}}
	}, func(r stage1Result) error {
		snaps[r.i] = r.snap
		return r.err
	})
	if err != nil {
		return nil, err
	}

	for i, m := range mirrors {
		s := snaps[i]
		indices, packages, err := m.fetchIndices(ctx, s.Metadata)
		if err != nil {
			return nil, err
		}
		s.IndexFiles = indices

		s.Packages, err = m.fetchPackages(ctx, packages)
		if err != nil {
			return nil, err
		}
		slog.Info("repo done", "repo", m.name, "universe", m.rc.Universe,
			"index_files", len(s.IndexFiles), "packages", len(s.Packages))
	}
	return snaps, nil
}

// blob is a verified download.
type blob struct {
	id        string
	canonical repo.Checksum
	size      int64
}

// fetchBlob downloads loc into a new blob while verifying its size and
// checksum.  If consume is set, it reads the verified stream first; the
// rest is drained so the stream is always checked to the end.
//
// Every attempt starts a new blob.
func (m *Mirror) fetchBlob(ctx context.Context, loc string, want repo.Checksum, size int64, retries int,
	consume func(io.Reader) error) (*blob, error) {
	var b blob
	err := m.p.executor(m.name+"/"+loc, retries).Do(ctx, func() error {
		w, err := m.p.Store.Writer(ctx)
		if err != nil {
			return errors.Wrap(err, "storage")
		}
		defer w.Abandon()

		err = m.p.Client.Get(ctx, loc, m.rc.Resolve(loc), func(body io.Reader) error {
			v, err := repo.NewVerifyingReader(body, loc, want, size)
			if err != nil {
				return err
			}
			r := io.TeeReader(v, w)
			var consumeErr error
			if consume != nil {
				consumeErr = consume(r)
			}
			if _, err := io.Copy(io.Discard, r); err != nil {
				return err
			}
			b.canonical = v.Canonical()
			b.size = v.Size()
			return consumeErr
		})
		if err != nil {
			return err
		}
		b.id, err = w.Commit()
		return errors.Wrap(err, "storage")
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// reportable converts a per-object failure into the error recorded in
// the snapshot.  Other errors are fatal.
func reportable(err error) (*repo.ReportableError, bool) {
	var re *repo.ReportableError
	if errors.As(err, &re) {
		return re, true
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.Status != 0 {
			return repo.NewHTTPError(te.Location, te.Status), true
		}
		if te.Retryable() {
			return repo.NewTransportError(te.Location, te.Err), true
		}
	}
	return nil, false
}
