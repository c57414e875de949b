package mirror

import (
	"context"
	"log/slog"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/snapshot"
)

type packageResult struct {
	pkg repo.Package
	id  string
	hit bool
	err error
}

// fetchPackages is stage 3.  Every package in the shard is looked up in
// the dedup index and downloaded on a miss.  Failed and mutable packages
// are recorded in their snapshot entries.
func (m *Mirror) fetchPackages(ctx context.Context, all []*repo.Package) ([]snapshot.PackageEntry, error) {
	var packages []*repo.Package
	for _, p := range all {
		if m.p.Shard.Contains(p.NEVRA) {
			packages = append(packages, p)
		}
	}

	var bar *pb.ProgressBar
	if !m.p.Quiet {
		bar = pb.New(len(packages)).SetWriter(os.Stderr).Set("prefix", m.name+" ").Start()
		defer bar.Finish()
	}

	universe := m.rc.Universe
	entries := make([]snapshot.PackageEntry, 0, len(packages))
	var reused, downloaded, failed, mutable int
	err := fanOut(ctx, m.p.MaxConns, packages, func(ctx context.Context, p *repo.Package) *packageResult {
		return m.fetchPackage(ctx, p)
	}, func(r *packageResult) error {
		if bar != nil {
			bar.Increment()
		}
		if r.err != nil {
			re, ok := reportable(r.err)
			if !ok {
				return errors.Wrapf(r.err, "%s: package %s", m.name, r.pkg.Location)
			}
			slog.Warn("package failed", "repo", m.name, "path", r.pkg.Location, "error", r.err)
			failed++
			entries = append(entries, snapshot.PackageEntry{Package: r.pkg, Entry: snapshot.Entry{Err: re}})
			return nil
		}

		id := r.id
		if r.hit {
			reused++
		} else {
			var err error
			id, err = m.p.Index.StorePackage(ctx, universe, &r.pkg, r.id)
			if err != nil {
				return err
			}
			downloaded++
		}

		merr, err := m.p.Detector.Check(ctx, universe, &r.pkg, id)
		if err != nil {
			return errors.Wrapf(err, "%s: package %s", m.name, r.pkg.Location)
		}
		if merr != nil {
			slog.Warn("mutable package", "repo", m.name, "path", r.pkg.Location, "storage_id", id, "error", merr)
			mutable++
			entries = append(entries, snapshot.PackageEntry{Package: r.pkg, Entry: snapshot.Entry{Err: merr}})
			return nil
		}
		entries = append(entries, snapshot.PackageEntry{Package: r.pkg, Entry: snapshot.Entry{StorageID: id}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("download stats", "repo", m.name, "type", "packages", "total", len(all), "shard", m.p.Shard.String(),
		"selected", len(packages), "reused", reused, "downloaded", downloaded, "failed", failed, "mutable", mutable)
	return entries, nil
}

func (m *Mirror) fetchPackage(ctx context.Context, p *repo.Package) *packageResult {
	r := &packageResult{pkg: *p}
	id, canonical, err := m.p.Index.PackageStorageID(ctx, m.rc.Universe, p)
	if err != nil {
		r.err = err
		return r
	}
	if id != "" {
		slog.Debug("reusing package", "repo", m.name, "path", p.Location, "storage_id", id)
		r.id, r.hit = id, true
		r.pkg.CanonicalChecksum = canonical
		return r
	}

	b, err := m.fetchBlob(ctx, p.Location, p.Checksum, p.Size, packageRetries, nil)
	if err != nil {
		r.err = err
		return r
	}
	r.id = b.id
	r.pkg.CanonicalChecksum = b.canonical
	return r
}
