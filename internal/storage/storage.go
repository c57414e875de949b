// Package storage implements the write-once blob store that backs every
// snapshot.
//
// Storage IDs are opaque tokens, not content hashes.  Deduplication is the
// job of the dedup index.
package storage

import (
	"context"
	"encoding/hex"
	"io"
	"regexp"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Reader for an unknown ID.
var ErrNotFound = errors.New("blob not found")

// Store is a write-once blob store.
type Store interface {
	// Writer starts a new blob.  The caller must call Commit or Abandon.
	Writer(ctx context.Context) (Writer, error)
	// Reader opens a committed blob.
	Reader(ctx context.Context, id string) (io.ReadCloser, error)
	// Remove deletes a blob.  Removing an absent blob is not an error.
	Remove(ctx context.Context, id string) error
}

// Writer is the sink returned by Store.Writer.
//
// Commit may be called once and returns the ID of the new blob.  Abandon
// discards whatever was written; it is a no-op after Commit, so it is
// safe to defer.  Cleanup failures are logged and swallowed.
type Writer interface {
	io.Writer
	Commit() (string, error)
	Abandon()
}

var validID = regexp.MustCompile(`^[0-9a-f]{32}$`)

// newID returns a random 32 character hex token.
func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func checkID(id string) error {
	if !validID.MatchString(id) {
		return errors.Newf("invalid storage id %q", id)
	}
	return nil
}
