package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/storage"
)

type fakeRecorder struct {
	calls []string
	err   error
}

func (f *fakeRecorder) StoreRepoMetadata(_ context.Context, universe, repoName string, md *repo.Metadata) (int64, error) {
	f.calls = append(f.calls, universe+"/"+repoName)
	return md.FetchTime, f.err
}

func sha256Of(s string) repo.Checksum {
	c, _ := repo.SumOf("sha256", []byte(s))
	return c
}

func sha384Of(s string) repo.Checksum {
	c, _ := repo.SumOf(repo.CanonicalAlgorithm, []byte(s))
	return c
}

func testSnapshot() *Snapshot {
	raw := []byte("<repomd>test</repomd>")
	mutable := repo.NewMutableError("Packages/b.rpm", "22222222222222222222222222222222", sha384Of("b"),
		[]repo.UniverseChecksum{{Checksum: sha384Of("b2"), Universe: "centos"}})
	return &Snapshot{
		Repo:     "base",
		Universe: "centos",
		Metadata: &repo.Metadata{Raw: raw, FetchTime: 1000, BuildTime: 900, Checksum: sha384Of(string(raw))},
		IndexFiles: []IndexFileEntry{
			{
				IndexFile: repo.IndexFile{Type: "primary", Location: "repodata/x-primary.xml.gz", Checksum: sha256Of("p"), Size: 1, BuildTime: 900},
				Entry:     Entry{StorageID: "33333333333333333333333333333333"},
			},
		},
		Packages: []PackageEntry{
			{
				Package: repo.Package{
					NEVRA:             repo.NEVRA{Name: "a", Version: "1", Release: "1", Arch: "noarch"},
					Location:          "Packages/a.rpm",
					Checksum:          sha256Of("a"),
					CanonicalChecksum: sha384Of("a"),
					Size:              1,
					BuildTime:         800,
				},
				Entry: Entry{StorageID: "11111111111111111111111111111111"},
			},
			{
				Package: repo.Package{
					NEVRA:    repo.NEVRA{Name: "b", Epoch: 2, Version: "1", Release: "1", Arch: "x86_64"},
					Location: "Packages/b.rpm",
					Checksum: sha256Of("b"),
					Size:     1,
				},
				Entry: Entry{Err: mutable},
			},
		},
		GPGKeys: map[string][]byte{"keys/RPM-GPG-KEY-test": []byte("key")},
	}
}

func TestCommitAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := storage.NewFilesystemStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	rec := &fakeRecorder{}
	out := t.TempDir()

	a := NewAssembler(store, rec)
	a.TempDir = t.TempDir()
	id, err := a.Commit(ctx, []*Snapshot{testSnapshot()}, out)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "centos/base" {
		t.Errorf("recorded metadata = %v, want [centos/base]", rec.calls)
	}

	data, err := os.ReadFile(filepath.Join(out, PointerFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != id+"\n" {
		t.Errorf("pointer = %q, want %q", data, id+"\n")
	}

	objects, err := Load(ctx, store, out)
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 5 {
		t.Errorf("len(objects) = %d, want 5", len(objects))
	}

	a1 := objects["base/Packages/a.rpm"]
	if a1 == nil {
		t.Fatal("base/Packages/a.rpm is missing")
	}
	if a1.StorageID != "11111111111111111111111111111111" || a1.ErrorJSON != "" {
		t.Errorf("a.rpm = %+v", a1)
	}
	if a1.Checksum != sha384Of("a") {
		t.Errorf("a.rpm checksum = %v, want the canonical checksum", a1.Checksum)
	}
	if a1.BuildTime != 800 {
		t.Errorf("a.rpm build time = %d, want 800", a1.BuildTime)
	}

	b := objects["base/Packages/b.rpm"]
	if b == nil {
		t.Fatal("base/Packages/b.rpm is missing")
	}
	if b.StorageID != "" {
		t.Errorf("b.rpm storage id = %q, want empty", b.StorageID)
	}
	if !strings.Contains(b.ErrorJSON, `"error":"mutable_rpm"`) {
		t.Errorf("b.rpm error = %s", b.ErrorJSON)
	}

	md := objects["base/repodata/repomd.xml"]
	if md == nil || string(md.Content) != "<repomd>test</repomd>" || md.BuildTime != 900 {
		t.Errorf("repomd.xml = %+v", md)
	}
	if md != nil && md.Size != int64(len(md.Content)) {
		t.Errorf("repomd.xml size = %d", md.Size)
	}

	key := objects["base/RPM-GPG-KEY-test"]
	if key == nil || string(key.Content) != "key" {
		t.Errorf("gpg key = %+v", key)
	}

	if objects["base/repodata/x-primary.xml.gz"].StorageID != "33333333333333333333333333333333" {
		t.Errorf("primary = %+v", objects["base/repodata/x-primary.xml.gz"])
	}
}

func TestCommitRecorderFailure(t *testing.T) {
	t.Parallel()
	store, err := storage.NewFilesystemStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	fault := errors.New("fault")
	out := t.TempDir()

	_, err = NewAssembler(store, &fakeRecorder{err: fault}).Commit(context.Background(), []*Snapshot{testSnapshot()}, out)
	if !errors.Is(err, fault) {
		t.Errorf("Commit() error = %v, want %v", err, fault)
	}
	if _, err := os.Stat(filepath.Join(out, PointerFile)); !os.IsNotExist(err) {
		t.Errorf("pointer file written after a failed commit: %v", err)
	}
}

func TestReadPointer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if _, err := ReadPointer(dir); err == nil {
		t.Error("ReadPointer() succeeded without a pointer file")
	}
	if err := WritePointer(dir, "abc"); err != nil {
		t.Fatal(err)
	}
	id, err := ReadPointer(dir)
	if err != nil {
		t.Fatal(err)
	}
	if id != "abc" {
		t.Errorf("ReadPointer() = %q, want abc", id)
	}
}
