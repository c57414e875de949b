package mirror

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
)

// ErrRepoUnstable is returned when a repomd.xml keeps changing between
// consecutive fetches.  It aborts the run.
var ErrRepoUnstable = errors.New("repository metadata did not stabilize")

// fetchMetadata fetches repomd.xml until two consecutive fetches return
// identical bytes, at most MetadataAttempts times.
func (m *Mirror) fetchMetadata(ctx context.Context) (*repo.Metadata, error) {
	exec := m.p.executor(m.name+"/"+repo.MetadataPath, metadataRetries)
	u := m.rc.Resolve(repo.MetadataPath)

	var prev []byte
	var prevTime time.Time
	for attempt := 1; attempt <= m.p.MetadataAttempts; attempt++ {
		var raw []byte
		var fetchTime time.Time
		err := exec.Do(ctx, func() error {
			fetchTime = time.Now()
			return m.p.Client.Get(ctx, repo.MetadataPath, u, func(r io.Reader) error {
				var err error
				raw, err = io.ReadAll(r)
				return err
			})
		})
		if err != nil {
			return nil, errors.Wrapf(err, "%s: fetch %s", m.name, repo.MetadataPath)
		}

		if prev != nil && bytes.Equal(prev, raw) {
			md, err := repo.ParseMetadata(raw, prevTime)
			if err != nil {
				return nil, errors.Wrap(err, m.name)
			}
			slog.Info("repo metadata fetched", "repo", m.name, "universe", m.rc.Universe,
				"attempt", attempt, "index_files", len(md.IndexFiles))
			return md, nil
		}
		if prev != nil {
			slog.Warn("repo metadata changed between fetches", "repo", m.name, "attempt", attempt)
		}
		prev, prevTime = raw, fetchTime
	}
	return nil, errors.Mark(errors.Newf("%s: %s changed on each of %d fetches",
		m.name, repo.MetadataPath, m.p.MetadataAttempts), ErrRepoUnstable)
}
