// Package server serves a loaded snapshot over HTTP.
//
// Blobs are streamed in fixed-size chunks while their size and checksum
// are verified.  One chunk is always held back, so a corrupt blob is never
// delivered complete: the client sees a truncated response.  The
// violation is remembered and later requests for the same path fail
// without touching the blob store.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/snapshot"
	"github.com/mirrorctl/reposnap/internal/storage"
)

// DefaultChunkSize is the streaming chunk size.
const DefaultChunkSize = 2 << 20

var contentTypes = map[string]string{
	".xml": "text/xml",
	".gz":  "application/x-gzip",
	".bz2": "application/x-bzip2",
	".rpm": "application/x-rpm",
}

func contentType(p string) string {
	if t, ok := contentTypes[path.Ext(p)]; ok {
		return t
	}
	return "application/octet-stream"
}

// Server is an http.Handler for one snapshot.
type Server struct {
	store     storage.Store
	objects   map[string]*snapshot.Object
	chunkSize int

	mu     sync.Mutex
	failed map[string]string
}

// New creates a Server.  A chunkSize of zero means DefaultChunkSize.
func New(store storage.Store, objects map[string]*snapshot.Object, chunkSize int) *Server {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Server{
		store:     store,
		objects:   objects,
		chunkSize: chunkSize,
		failed:    make(map[string]string),
	}
}

func (s *Server) failure(p string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[p]
}

func (s *Server) memoize(p, errJSON string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[p] = errJSON
}

func refuse(w http.ResponseWriter, errJSON string) {
	http.Error(w, "Repo snapshot error: "+errJSON, http.StatusInternalServerError)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	obj, ok := s.objects[p]
	if !ok {
		http.Error(w, "File not found: "+p, http.StatusNotFound)
		return
	}
	if obj.ErrorJSON != "" {
		refuse(w, obj.ErrorJSON)
		return
	}
	if errJSON := s.failure(p); errJSON != "" {
		refuse(w, errJSON)
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentType(p))
	if obj.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	if obj.BuildTime > 0 {
		h.Set("Last-Modified", time.Unix(obj.BuildTime, 0).UTC().Format(http.TimeFormat))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	if obj.Content != nil {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(obj.Content); err != nil {
			slog.Debug("write failed", "path", p, "error", err)
		}
		return
	}

	body, err := s.store.Reader(r.Context(), obj.StorageID)
	if err != nil {
		slog.Error("failed to read blob", "path", p, "storage_id", obj.StorageID, "error", err)
		h.Del("Content-Length")
		h.Del("Last-Modified")
		http.Error(w, "Storage error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer body.Close()

	w.WriteHeader(http.StatusOK)
	if err := s.stream(r.Context(), w, p, obj, body); err != nil {
		var re *repo.ReportableError
		if errors.As(err, &re) {
			slog.Error("snapshot blob failed verification", "path", p, "storage_id", obj.StorageID, "error", err)
			s.memoize(p, re.JSON())
			return
		}
		slog.Warn("streaming aborted", "path", p, "storage_id", obj.StorageID, "error", err)
	}
}

// stream copies body to w in chunks.  A chunk is only written once the
// next one has been read, so the last chunk is sent only after the whole
// blob has been verified.
func (s *Server) stream(ctx context.Context, w io.Writer, p string, obj *snapshot.Object, body io.Reader) error {
	v, err := repo.NewVerifyingReader(body, p, obj.Checksum, obj.Size)
	if err != nil {
		return err
	}
	cur := make([]byte, s.chunkSize)
	next := make([]byte, s.chunkSize)

	n, err := readChunk(v, cur)
	for {
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if errors.Is(err, io.EOF) {
			// The verifying reader has accepted the whole blob.
			_, werr := w.Write(cur[:n])
			return werr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var m int
		m, err = readChunk(v, next)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if _, werr := w.Write(cur[:n]); werr != nil {
			return werr
		}
		cur, next, n = next, cur, m
	}
}

// readChunk fills buf.  It returns io.EOF together with the final, maybe
// short, chunk.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, io.EOF
	case err == nil:
		return n, nil
	}
	return n, err
}

