package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

// objectServer is an in-memory object store speaking PUT/GET/DELETE.
type objectServer struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (o *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/blobs/")
	o.mu.Lock()
	defer o.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		o.mu.Unlock()
		data, err := io.ReadAll(r.Body)
		o.mu.Lock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o.objects[key] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		data, ok := o.objects[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	case http.MethodDelete:
		if _, ok := o.objects[key]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(o.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (o *objectServer) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.objects)
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

type backend struct {
	name  string
	store Store
	count func() int
}

func backends(t *testing.T) []backend {
	t.Helper()

	fsDir := t.TempDir()
	fs, err := New(&Config{Kind: KindFilesystem, BaseDir: fsDir}, nil)
	if err != nil {
		t.Fatal(err)
	}

	objects := &objectServer{objects: make(map[string][]byte)}
	srv := httptest.NewServer(objects)
	t.Cleanup(srv.Close)
	hs, err := New(&Config{Kind: KindHTTP, URL: srv.URL + "/blobs"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	cliDir := t.TempDir()
	blob := filepath.Join(cliDir, IDPlaceholder)
	cs, err := New(&Config{
		Kind:      KindCLI,
		WriteCmd:  []string{"sh", "-c", "cat > " + blob},
		ReadCmd:   []string{"cat", blob},
		RemoveCmd: []string{"rm", "-f", blob},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	return []backend{
		{name: "filesystem", store: fs, count: func() int { return countFiles(t, fsDir) }},
		{name: "http", store: hs, count: objects.count},
		{name: "cli", store: cs, count: func() int { return countFiles(t, cliDir) }},
	}
}

func writeBlob(t *testing.T, s Store, data string) string {
	t.Helper()
	w, err := s.Writer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abandon()
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatal(err)
	}
	id, err := w.Commit()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func readBlob(s Store, id string) (string, error) {
	r, err := s.Reader(context.Background(), id)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	return string(data), err
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			id := writeBlob(t, b.store, "package bytes")
			if !validID.MatchString(id) {
				t.Errorf("id = %q, want 32 hex characters", id)
			}
			got, err := readBlob(b.store, id)
			if err != nil {
				t.Fatal(err)
			}
			if got != "package bytes" {
				t.Errorf("read = %q, want %q", got, "package bytes")
			}

			other := writeBlob(t, b.store, "package bytes")
			if other == id {
				t.Error("two commits returned the same id")
			}

			// Abandoned blobs leave nothing behind.
			before := b.count()
			w, err := b.store.Writer(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := io.WriteString(w, "partial"); err != nil {
				t.Fatal(err)
			}
			w.Abandon()
			w.Abandon()
			if after := b.count(); after != before {
				t.Errorf("blob count after Abandon = %d, want %d", after, before)
			}

			// Remove is idempotent.
			if err := b.store.Remove(ctx, other); err != nil {
				t.Fatal(err)
			}
			if err := b.store.Remove(ctx, other); err != nil {
				t.Errorf("second Remove() error = %v", err)
			}
			if _, err := readBlob(b.store, other); err == nil {
				t.Error("read of removed blob succeeded")
			}
			if got, err := readBlob(b.store, id); err != nil || got != "package bytes" {
				t.Errorf("surviving blob = %q, %v", got, err)
			}
		})
	}
}

func TestFilesystemLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFilesystemStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	id := writeBlob(t, s, "x")
	want := filepath.Join(dir, id[0:2], id[2:4], id)
	if _, err := os.Stat(want); err != nil {
		t.Errorf("blob not at %s: %v", want, err)
	}
	if _, err := s.Reader(context.Background(), strings.Repeat("0", 32)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reader(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Reader(context.Background(), "../../etc/passwd"); err == nil {
		t.Error("Reader accepted a path as id")
	}
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "filesystem", config: Config{Kind: KindFilesystem, BaseDir: "/var/lib/reposnap"}},
		{name: "relative base_dir", config: Config{Kind: KindFilesystem, BaseDir: "blobs"}, wantErr: true},
		{name: "http", config: Config{Kind: KindHTTP, URL: "https://blobs.example.com/"}},
		{name: "http without url", config: Config{Kind: KindHTTP}, wantErr: true},
		{name: "cli missing remove", config: Config{Kind: KindCLI, WriteCmd: []string{"put"}, ReadCmd: []string{"get"}}, wantErr: true},
		{name: "no kind", config: Config{}, wantErr: true},
		{name: "unknown kind", config: Config{Kind: "s3"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Check()
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
