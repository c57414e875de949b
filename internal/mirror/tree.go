package mirror

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio"

	"github.com/mirrorctl/reposnap/internal/snapshot"
	"github.com/mirrorctl/reposnap/internal/storage"
)

const (
	timestampFormat = "20060102_150405"
	latestLink      = "latest"
	lockFilename    = ".lock"
)

// OutputTree is the versioned output directory.  Every run writes a new
// timestamped directory holding the snapshot pointer, and `latest` is a
// symlink to the newest one.
type OutputTree struct {
	dir string
}

// NewOutputTree creates the tree at dir if needed.
func NewOutputTree(dir string) (*OutputTree, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("dir must be an absolute path: " + dir)
	}
	// #nosec G301 - 0755 needed for web server directory access
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "NewOutputTree")
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, errors.Wrap(err, "NewOutputTree")
	}
	return &OutputTree{dir: resolved}, nil
}

// SnapshotInfo describes one snapshot directory.
type SnapshotInfo struct {
	Name      string
	Path      string
	CreatedAt time.Time
	StorageID string
	IsLatest  bool
}

// Dir returns the root of the tree.
func (t *OutputTree) Dir() string {
	return t.dir
}

// Create makes the directory for a snapshot taken at ts.  Runs within the
// same second get a numeric suffix.
func (t *OutputTree) Create(ts time.Time) (string, error) {
	name := ts.UTC().Format(timestampFormat)
	for i := 1; ; i++ {
		p := filepath.Join(t.dir, name)
		err := os.Mkdir(p, 0755)
		if err == nil {
			return p, storage.DirSync(t.dir)
		}
		if !os.IsExist(err) || i >= 100 {
			return "", errors.Wrap(err, "create snapshot directory")
		}
		name = ts.UTC().Format(timestampFormat) + "." + strconv.Itoa(i)
	}
}

// Publish points `latest` at the snapshot directory p.
func (t *OutputTree) Publish(p string) error {
	rel, err := filepath.Rel(t.dir, p)
	if err != nil {
		return errors.Wrap(err, "Publish")
	}
	if err := renameio.Symlink(rel, filepath.Join(t.dir, latestLink)); err != nil {
		return errors.Wrap(err, "Publish")
	}
	return storage.DirSync(t.dir)
}

// Resolve returns the directory of the named snapshot.  An empty name
// means the latest one.
func (t *OutputTree) Resolve(name string) (string, error) {
	if name == "" {
		name = latestLink
	}
	if filepath.Base(name) != name || name == "." || name == ".." {
		return "", errors.New("invalid snapshot name: " + name)
	}
	p, err := filepath.EvalSymlinks(filepath.Join(t.dir, name))
	if err != nil {
		return "", errors.Wrap(err, "Resolve")
	}
	if err := validateSymlinkPath(p, t.dir); err != nil {
		return "", err
	}
	return p, nil
}

// List returns the snapshots in the tree, newest first.
func (t *OutputTree) List() ([]*SnapshotInfo, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, errors.Wrap(err, "List")
	}
	latest, _ := t.Resolve("")

	var snapshots []*SnapshotInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stamp, _, _ := strings.Cut(entry.Name(), ".")
		created, err := time.Parse(timestampFormat, stamp)
		if err != nil {
			continue
		}
		p := filepath.Join(t.dir, entry.Name())
		id, err := snapshot.ReadPointer(p)
		if err != nil {
			// an aborted run
			continue
		}
		snapshots = append(snapshots, &SnapshotInfo{
			Name:      entry.Name(),
			Path:      p,
			CreatedAt: created,
			StorageID: id,
			IsLatest:  p == latest,
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name > snapshots[j].Name
	})
	return snapshots, nil
}

// validateSymlinkPath validates that a resolved symlink path stays within the allowed base directory.
func validateSymlinkPath(resolvedPath, baseDir string) error {
	rel, err := filepath.Rel(filepath.Clean(baseDir), filepath.Clean(resolvedPath))
	if err != nil {
		return errors.Wrap(err, "validateSymlinkPath: failed to get relative path")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.New("unsafe symlink: resolved path outside base directory")
	}
	return nil
}
