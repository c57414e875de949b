// Package snapshot turns the output of one pipeline run into an immutable,
// servable snapshot: a SQLite index stored through the blob store and a
// small pointer file naming it.
package snapshot

import (
	"github.com/mirrorctl/reposnap/internal/repo"
)

// Entry is either a storage ID or the error recorded in its place.
type Entry struct {
	StorageID string
	Err       *repo.ReportableError
}

// IndexFileEntry is one index file of a snapshot.
type IndexFileEntry struct {
	repo.IndexFile
	Entry
}

// PackageEntry is one package of a snapshot.
type PackageEntry struct {
	repo.Package
	Entry
}

// Snapshot is the complete record of one repo in one run.
type Snapshot struct {
	Repo       string
	Universe   string
	Metadata   *repo.Metadata
	IndexFiles []IndexFileEntry
	Packages   []PackageEntry
	// GPGKeys maps a key's file name to its armored or binary content.
	GPGKeys map[string][]byte
}
