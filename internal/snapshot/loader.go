package snapshot

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/storage"
)

// Object is one servable file of a loaded snapshot.
//
// Exactly one of StorageID, Content and ErrorJSON is set.  Content holds
// files that live in the index itself, i.e. repomd.xml and GPG keys.
type Object struct {
	Size      int64
	Checksum  repo.Checksum
	BuildTime int64
	StorageID string
	Content   []byte
	ErrorJSON string
}

// Load reads the snapshot named by the pointer file in dir and returns
// its objects keyed by "repo/path".
func Load(ctx context.Context, store storage.Store, dir string) (map[string]*Object, error) {
	id, err := ReadPointer(dir)
	if err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "snapshot-load-")
	if err != nil {
		return nil, errors.Wrap(err, "Load")
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			slog.Warn("failed to remove temp dir", "path", tmp, "error", err)
		}
	}()

	file := filepath.Join(tmp, "snapshot.sqlite3")
	if err := download(ctx, store, id, file); err != nil {
		return nil, err
	}
	objects, err := readIndex(ctx, file)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot index %s", id)
	}
	slog.Info("snapshot loaded", "dir", dir, "storage_id", id, "objects", len(objects))
	return objects, nil
}

func download(ctx context.Context, store storage.Store, id, file string) error {
	r, err := store.Reader(ctx, id)
	if err != nil {
		return errors.Wrap(err, "read snapshot index")
	}
	defer r.Close()

	f, err := os.Create(file)
	if err != nil {
		return errors.Wrap(err, "read snapshot index")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrap(err, "read snapshot index")
	}
	return errors.Wrap(f.Close(), "read snapshot index")
}

func readIndex(ctx context.Context, file string) (map[string]*Object, error) {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	objects := make(map[string]*Object)
	for _, table := range []string{"package", "secondary_index"} {
		if err := readEntries(ctx, db, table, objects); err != nil {
			return nil, err
		}
	}

	rows, err := db.QueryContext(ctx, `SELECT "repo", "build_timestamp", "metadata_xml" FROM "repo_metadata"`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var repoName, xml string
		var buildTime int64
		if err := rows.Scan(&repoName, &buildTime, &xml); err != nil {
			rows.Close()
			return nil, err
		}
		objects[path.Join(repoName, repo.MetadataPath)] = contentObject([]byte(xml), buildTime)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, `SELECT "repo", "path", "content" FROM "gpg_key"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var repoName, p string
		var content []byte
		if err := rows.Scan(&repoName, &p, &content); err != nil {
			return nil, err
		}
		objects[path.Join(repoName, p)] = contentObject(content, 0)
	}
	return objects, rows.Err()
}

func contentObject(content []byte, buildTime int64) *Object {
	sum, _ := repo.SumOf(repo.CanonicalAlgorithm, content)
	return &Object{
		Size:      int64(len(content)),
		Checksum:  sum,
		BuildTime: buildTime,
		Content:   content,
	}
}

func readEntries(ctx context.Context, db *sql.DB, table string, objects map[string]*Object) error {
	rows, err := db.QueryContext(ctx, `SELECT "repo", "path", "size", "checksum", "build_timestamp",
		"storage_id", "error_json" FROM "`+table+`"`)
	if err != nil {
		return errors.Wrap(err, table)
	}
	defer rows.Close()

	for rows.Next() {
		var repoName, p, chk string
		var size, buildTime int64
		var id, errJSON sql.NullString
		if err := rows.Scan(&repoName, &p, &size, &chk, &buildTime, &id, &errJSON); err != nil {
			return errors.Wrap(err, table)
		}
		c, err := repo.ParseChecksum(chk)
		if err != nil {
			return errors.Wrapf(err, "%s %s/%s", table, repoName, p)
		}
		objects[path.Join(repoName, p)] = &Object{
			Size:      size,
			Checksum:  c,
			BuildTime: buildTime,
			StorageID: id.String,
			ErrorJSON: errJSON.String,
		}
	}
	return errors.Wrap(rows.Err(), table)
}
