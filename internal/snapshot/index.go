package snapshot

import (
	"context"
	"database/sql"
	"path"

	"github.com/cockroachdb/errors"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

var indexSchema = []string{
	`CREATE TABLE "package" (
		"repo" TEXT NOT NULL,
		"path" TEXT NOT NULL,
		"name" TEXT NOT NULL,
		"version" TEXT NOT NULL,
		"release" TEXT NOT NULL,
		"epoch" INTEGER NOT NULL,
		"arch" TEXT NOT NULL,
		"build_timestamp" INTEGER NOT NULL,
		"checksum" TEXT NOT NULL,
		"error" TEXT,
		"error_json" TEXT,
		"size" INTEGER NOT NULL,
		"source_rpm" TEXT NOT NULL,
		"storage_id" TEXT,
		PRIMARY KEY ("repo", "path")
	)`,
	`CREATE INDEX "package_nvrea" ON "package" ("name", "version", "release", "epoch", "arch")`,
	`CREATE TABLE "secondary_index" (
		"repo" TEXT NOT NULL,
		"path" TEXT NOT NULL,
		"build_timestamp" INTEGER NOT NULL,
		"checksum" TEXT NOT NULL,
		"error" TEXT,
		"error_json" TEXT,
		"size" INTEGER NOT NULL,
		"storage_id" TEXT,
		PRIMARY KEY ("repo", "path")
	)`,
	`CREATE TABLE "repo_metadata" (
		"repo" TEXT NOT NULL,
		"build_timestamp" INTEGER NOT NULL,
		"metadata_xml" TEXT NOT NULL,
		PRIMARY KEY ("repo")
	)`,
	`CREATE TABLE "gpg_key" (
		"repo" TEXT NOT NULL,
		"path" TEXT NOT NULL,
		"content" BLOB NOT NULL,
		PRIMARY KEY ("repo", "path")
	)`,
}

// entryColumns returns the error, error_json and storage_id column values.
func entryColumns(e *Entry) (any, any, any) {
	if e.Err != nil {
		return string(e.Err.Kind), e.Err.JSON(), nil
	}
	return nil, nil, e.StorageID
}

// writeIndex creates a new snapshot index database at file.
func writeIndex(ctx context.Context, file string, snaps []*Snapshot) (err error) {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return errors.Wrap(err, "open snapshot index")
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close snapshot index")
		}
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin snapshot index")
	}
	defer tx.Rollback()

	for _, stmt := range indexSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create snapshot index")
		}
	}
	for _, s := range snaps {
		if err := insertSnapshot(ctx, tx, s); err != nil {
			return errors.Wrap(err, s.Repo)
		}
	}
	return errors.Wrap(tx.Commit(), "commit snapshot index")
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, s *Snapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO "repo_metadata" ("repo", "build_timestamp", "metadata_xml")
		VALUES (?, ?, ?)`, s.Repo, s.Metadata.BuildTime, string(s.Metadata.Raw))
	if err != nil {
		return errors.Wrap(err, "insert repo_metadata")
	}

	for i := range s.IndexFiles {
		f := &s.IndexFiles[i]
		errKind, errJSON, id := entryColumns(&f.Entry)
		_, err := tx.ExecContext(ctx, `INSERT INTO "secondary_index"
			("repo", "path", "build_timestamp", "checksum", "error", "error_json", "size", "storage_id")
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Repo, f.Location, f.BuildTime, f.Checksum.String(), errKind, errJSON, f.Size, id)
		if err != nil {
			return errors.Wrapf(err, "insert secondary_index %s", f.Location)
		}
	}

	for i := range s.Packages {
		p := &s.Packages[i]
		errKind, errJSON, id := entryColumns(&p.Entry)
		_, err := tx.ExecContext(ctx, `INSERT INTO "package"
			("repo", "path", "name", "version", "release", "epoch", "arch", "build_timestamp",
			 "checksum", "error", "error_json", "size", "source_rpm", "storage_id")
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Repo, p.Location, p.Name, p.Version, p.Release, p.Epoch, p.Arch, p.BuildTime,
			p.BestChecksum().String(), errKind, errJSON, p.Size, p.SourceRPM, id)
		if err != nil {
			return errors.Wrapf(err, "insert package %s", p.Location)
		}
	}

	for name, content := range s.GPGKeys {
		_, err := tx.ExecContext(ctx, `INSERT INTO "gpg_key" ("repo", "path", "content") VALUES (?, ?, ?)`,
			s.Repo, path.Base(name), content)
		if err != nil {
			return errors.Wrapf(err, "insert gpg_key %s", name)
		}
	}
	return nil
}
