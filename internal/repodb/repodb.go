// Package repodb is the dedup index: an append-only SQLite database that
// maps the identity of every package, index file and repomd.xml ever
// fetched to the storage ID holding its bytes.
//
// The only mutation is the idempotent insert.  If a concurrent writer
// already inserted the same key, the proposed storage ID is dropped
// (its blob becomes an orphan) and the existing one is returned, so any
// number of uncoordinated runs may share one index.
package repodb

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/retry"
)

// ErrConsistency marks violations of the index invariants.  They are
// always fatal.
var ErrConsistency = errors.New("dedup index consistency fault")

const (
	// DefaultClockSkew bounds how much earlier than the recorded fetch a
	// racing writer may have fetched a byte-identical repomd.xml.
	DefaultClockSkew = 60 * time.Second

	busyTimeout = 5 * time.Second
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS "package" (
		"name" TEXT NOT NULL,
		"epoch" INTEGER NOT NULL,
		"version" TEXT NOT NULL,
		"release" TEXT NOT NULL,
		"arch" TEXT NOT NULL,
		"universe" TEXT NOT NULL,
		"checksum" TEXT NOT NULL,
		"canonical_checksum" TEXT NOT NULL,
		"size" INTEGER NOT NULL,
		"build_timestamp" INTEGER NOT NULL,
		"storage_id" TEXT NOT NULL,
		PRIMARY KEY ("name", "epoch", "version", "release", "arch", "universe", "checksum")
	)`,
	`CREATE TABLE IF NOT EXISTS "secondary_index" (
		"checksum" TEXT NOT NULL,
		"size" INTEGER NOT NULL,
		"build_timestamp" INTEGER NOT NULL,
		"storage_id" TEXT NOT NULL,
		PRIMARY KEY ("checksum")
	)`,
	`CREATE TABLE IF NOT EXISTS "repo_metadata" (
		"universe" TEXT NOT NULL,
		"repo" TEXT NOT NULL,
		"fetch_timestamp" INTEGER NOT NULL,
		"build_timestamp" INTEGER NOT NULL,
		"checksum" TEXT NOT NULL,
		"xml" BLOB NOT NULL,
		PRIMARY KEY ("universe", "repo", "fetch_timestamp", "checksum"),
		UNIQUE ("universe", "repo", "checksum")
	)`,
}

// Options tune an opened DB.
type Options struct {
	// ClockSkew defaults to DefaultClockSkew.
	ClockSkew time.Duration
	// RetryDelays are used for transient SQLite errors.
	RetryDelays []time.Duration
}

// DB is a handle on the dedup index.  Reads may run concurrently; writes
// are serialized.
type DB struct {
	db        *sql.DB
	clockSkew time.Duration
	retry     *retry.Executor

	mu sync.Mutex
}

// Open opens or creates the index at path and makes sure the tables
// exist.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(busyTimeout.Milliseconds(), 10)+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, errors.Wrap(err, "repodb.Open")
	}

	if opts.ClockSkew == 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	d := &DB{
		db:        db,
		clockSkew: opts.ClockSkew,
		retry: &retry.Executor{
			Name:        "dedup index",
			Delays:      opts.RetryDelays,
			IsRetryable: IsTransient,
		},
	}
	if err := d.EnsureTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// EnsureTables creates missing tables.
func (d *DB) EnsureTables(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retry.Do(ctx, func() error {
		for _, stmt := range schema {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return errors.Wrap(err, "EnsureTables")
			}
		}
		return nil
	})
}

// IsTransient reports SQLITE_BUSY and SQLITE_LOCKED, which go away if the
// statement is tried again.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func checkUniverse(universe string) error {
	if !repo.IsValidUniverse(universe) {
		return errors.Newf("invalid universe name %q", universe)
	}
	return nil
}

// PackageStorageID looks up a package by NEVRA and universe, matching its
// declared checksum against both the declared and the canonical checksum
// of recorded rows.  An empty ID means the package has to be downloaded.
func (d *DB) PackageStorageID(ctx context.Context, universe string, p *repo.Package) (string, repo.Checksum, error) {
	if err := checkUniverse(universe); err != nil {
		return "", repo.Checksum{}, err
	}
	var storageID string
	var canonical repo.Checksum
	err := d.retry.Do(ctx, func() error {
		rows, err := d.db.QueryContext(ctx, `SELECT "storage_id", "canonical_checksum" FROM "package"
			WHERE "name" = ? AND "epoch" = ? AND "version" = ? AND "release" = ? AND "arch" = ?
			AND "universe" = ? AND ("checksum" = ? OR "canonical_checksum" = ?)
			ORDER BY "storage_id"`,
			p.Name, p.Epoch, p.Version, p.Release, p.Arch, universe, p.Checksum.String(), p.Checksum.String())
		if err != nil {
			return errors.Wrap(err, "PackageStorageID")
		}
		defer rows.Close()

		storageID, canonical = "", repo.Checksum{}
		for rows.Next() {
			var id, c string
			if err := rows.Scan(&id, &c); err != nil {
				return errors.Wrap(err, "PackageStorageID")
			}
			chk, err := repo.ParseChecksum(c)
			if err != nil {
				return errors.Wrap(err, "PackageStorageID")
			}
			if storageID == "" {
				storageID, canonical = id, chk
				continue
			}
			if !chk.Equal(canonical) {
				return errors.Mark(errors.Newf("%s in %q: checksum %s matches rows with canonical checksums %s and %s",
					p.NEVRA, universe, p.Checksum, canonical, chk), ErrConsistency)
			}
		}
		return errors.Wrap(rows.Err(), "PackageStorageID")
	})
	if err != nil {
		return "", repo.Checksum{}, err
	}
	return storageID, canonical, nil
}

// StorePackage records storageID for a downloaded package whose
// CanonicalChecksum is set.  If the key already exists the recorded ID is
// returned instead of storageID.
func (d *DB) StorePackage(ctx context.Context, universe string, p *repo.Package, storageID string) (string, error) {
	if err := checkUniverse(universe); err != nil {
		return "", err
	}
	if p.CanonicalChecksum.Algorithm != repo.CanonicalAlgorithm {
		return "", errors.Newf("%s: canonical checksum %q is not %s", p.Location, p.CanonicalChecksum, repo.CanonicalAlgorithm)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var result string
	err := d.retry.Do(ctx, func() error {
		res, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO "package"
			("name", "epoch", "version", "release", "arch", "universe", "checksum",
			 "canonical_checksum", "size", "build_timestamp", "storage_id")
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Name, p.Epoch, p.Version, p.Release, p.Arch, universe, p.Checksum.String(),
			p.CanonicalChecksum.String(), p.Size, p.BuildTime, storageID)
		if err != nil {
			return errors.Wrap(err, "StorePackage")
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Wrap(err, "StorePackage")
		} else if n == 1 {
			result = storageID
			return nil
		}
		err = d.db.QueryRowContext(ctx, `SELECT "storage_id" FROM "package"
			WHERE "name" = ? AND "epoch" = ? AND "version" = ? AND "release" = ? AND "arch" = ?
			AND "universe" = ? AND "checksum" = ?`,
			p.Name, p.Epoch, p.Version, p.Release, p.Arch, universe, p.Checksum.String()).Scan(&result)
		return errors.Wrap(err, "StorePackage")
	})
	if err != nil {
		return "", err
	}
	if result != storageID {
		slog.Debug("lost insert race, keeping recorded blob", "path", p.Location, "storage_id", result, "orphan", storageID)
	}
	return result, nil
}

// IndexFileStorageID looks up an index file by checksum alone; identical
// index files are shared between repos.
func (d *DB) IndexFileStorageID(ctx context.Context, c repo.Checksum) (string, error) {
	var storageID string
	err := d.retry.Do(ctx, func() error {
		err := d.db.QueryRowContext(ctx, `SELECT "storage_id" FROM "secondary_index" WHERE "checksum" = ?`,
			c.String()).Scan(&storageID)
		if errors.Is(err, sql.ErrNoRows) {
			storageID = ""
			return nil
		}
		return errors.Wrap(err, "IndexFileStorageID")
	})
	return storageID, err
}

// StoreIndexFile records storageID for f, or returns the ID already
// recorded for its checksum.
func (d *DB) StoreIndexFile(ctx context.Context, f *repo.IndexFile, storageID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var result string
	err := d.retry.Do(ctx, func() error {
		res, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO "secondary_index"
			("checksum", "size", "build_timestamp", "storage_id") VALUES (?, ?, ?, ?)`,
			f.Checksum.String(), f.Size, f.BuildTime, storageID)
		if err != nil {
			return errors.Wrap(err, "StoreIndexFile")
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Wrap(err, "StoreIndexFile")
		} else if n == 1 {
			result = storageID
			return nil
		}
		err = d.db.QueryRowContext(ctx, `SELECT "storage_id" FROM "secondary_index" WHERE "checksum" = ?`,
			f.Checksum.String()).Scan(&result)
		return errors.Wrap(err, "StoreIndexFile")
	})
	return result, err
}

// StoreRepoMetadata records a repomd.xml and returns the fetch timestamp
// under which it is recorded.
//
// A document byte-identical to one already recorded for the same universe
// and repo keeps the older row.  A losing writer must have fetched no
// more than the clock skew before the recorded fetch, and its bytes must
// match; anything else is an ErrConsistency fault.
func (d *DB) StoreRepoMetadata(ctx context.Context, universe, repoName string, md *repo.Metadata) (int64, error) {
	if err := checkUniverse(universe); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var fetchTime int64
	err := d.retry.Do(ctx, func() error {
		res, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO "repo_metadata"
			("universe", "repo", "fetch_timestamp", "build_timestamp", "checksum", "xml")
			VALUES (?, ?, ?, ?, ?, ?)`,
			universe, repoName, md.FetchTime, md.BuildTime, md.Checksum.String(), md.Raw)
		if err != nil {
			return errors.Wrap(err, "StoreRepoMetadata")
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Wrap(err, "StoreRepoMetadata")
		} else if n == 1 {
			fetchTime = md.FetchTime
			return nil
		}

		var raw []byte
		err = d.db.QueryRowContext(ctx, `SELECT "fetch_timestamp", "xml" FROM "repo_metadata"
			WHERE "universe" = ? AND "repo" = ? AND "checksum" = ?`,
			universe, repoName, md.Checksum.String()).Scan(&fetchTime, &raw)
		if err != nil {
			return errors.Wrap(err, "StoreRepoMetadata")
		}
		if md.FetchTime+int64(d.clockSkew/time.Second) < fetchTime {
			return errors.Mark(errors.Newf("%s/%s: fetched %s at %d, but the index recorded it at %d",
				universe, repoName, repo.MetadataPath, md.FetchTime, fetchTime), ErrConsistency)
		}
		if !bytes.Equal(raw, md.Raw) {
			return errors.Mark(errors.Newf("%s/%s: %s content differs from the recorded copy with checksum %s",
				universe, repoName, repo.MetadataPath, md.Checksum), ErrConsistency)
		}
		return nil
	})
	return fetchTime, err
}

// CanonicalChecksums returns every (canonical checksum, universe) pair
// recorded for n within universes.
func (d *DB) CanonicalChecksums(ctx context.Context, n repo.NEVRA, universes []string) ([]repo.UniverseChecksum, error) {
	if len(universes) == 0 {
		return nil, nil
	}
	for _, u := range universes {
		if err := checkUniverse(u); err != nil {
			return nil, err
		}
	}
	args := []any{n.Name, n.Epoch, n.Version, n.Release, n.Arch}
	for _, u := range universes {
		args = append(args, u)
	}
	query := `SELECT DISTINCT "canonical_checksum", "universe" FROM "package"
		WHERE "name" = ? AND "epoch" = ? AND "version" = ? AND "release" = ? AND "arch" = ?
		AND "universe" IN (?` + strings.Repeat(", ?", len(universes)-1) + `)
		ORDER BY "canonical_checksum", "universe"`

	var result []repo.UniverseChecksum
	err := d.retry.Do(ctx, func() error {
		result = nil
		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, "CanonicalChecksums")
		}
		defer rows.Close()
		for rows.Next() {
			var c, u string
			if err := rows.Scan(&c, &u); err != nil {
				return errors.Wrap(err, "CanonicalChecksums")
			}
			chk, err := repo.ParseChecksum(c)
			if err != nil {
				return errors.Wrap(err, "CanonicalChecksums")
			}
			result = append(result, repo.UniverseChecksum{Checksum: chk, Universe: u})
		}
		return errors.Wrap(rows.Err(), "CanonicalChecksums")
	})
	return result, err
}
