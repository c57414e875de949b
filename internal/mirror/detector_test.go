package mirror

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/repodb"
)

type fakeIndex []repo.UniverseChecksum

func (f fakeIndex) CanonicalChecksums(_ context.Context, _ repo.NEVRA, universes []string) ([]repo.UniverseChecksum, error) {
	in := make(map[string]bool)
	for _, u := range universes {
		in[u] = true
	}
	var result []repo.UniverseChecksum
	for _, uc := range f {
		if in[uc.Universe] {
			result = append(result, uc)
		}
	}
	return result, nil
}

func sha384(digit string) repo.Checksum {
	return repo.Checksum{Algorithm: repo.CanonicalAlgorithm, Hexdigest: strings.Repeat(digit, 96)}
}

func TestDetector(t *testing.T) {
	t.Parallel()

	n := repo.NEVRA{Name: "bash", Version: "5.1", Release: "2", Arch: "x86_64"}
	one, two, three := sha384("1"), sha384("2"), sha384("3")

	tests := []struct {
		name         string
		index        fakeIndex
		universes    []string
		remediations []Remediation
		universe     string
		canonical    repo.Checksum
		wantOthers   []repo.UniverseChecksum
		wantFault    bool
	}{
		{
			name:      "single universe",
			index:     fakeIndex{{Checksum: one, Universe: "u1"}},
			universes: []string{"u1"},
			universe:  "u1",
			canonical: one,
		},
		{
			name:      "same blob in two universes",
			index:     fakeIndex{{Checksum: one, Universe: "u1"}, {Checksum: one, Universe: "u2"}},
			universes: []string{"u1", "u2"},
			universe:  "u1",
			canonical: one,
		},
		{
			name:       "conflict in another universe",
			index:      fakeIndex{{Checksum: one, Universe: "u1"}, {Checksum: two, Universe: "u2"}},
			universes:  []string{"u1", "u2"},
			universe:   "u1",
			canonical:  one,
			wantOthers: []repo.UniverseChecksum{{Checksum: two, Universe: "u2"}},
		},
		{
			name:       "conflict in the same universe",
			index:      fakeIndex{{Checksum: one, Universe: "u1"}, {Checksum: two, Universe: "u1"}, {Checksum: three, Universe: "u1"}},
			universes:  []string{"u1"},
			universe:   "u1",
			canonical:  two,
			wantOthers: []repo.UniverseChecksum{{Checksum: one, Universe: "u1"}, {Checksum: three, Universe: "u1"}},
		},
		{
			name:      "universe outside the run",
			index:     fakeIndex{{Checksum: one, Universe: "u1"}, {Checksum: two, Universe: "u3"}},
			universes: []string{"u1"},
			universe:  "u1",
			canonical: one,
		},
		{
			name:      "remediated conflict",
			index:     fakeIndex{{Checksum: one, Universe: "u1"}, {Checksum: two, Universe: "u2"}},
			universes: []string{"u1", "u2"},
			remediations: []Remediation{
				{NEVRA: n.String(), Universe: "u2", Checksum: two.String()},
			},
			universe:  "u1",
			canonical: one,
		},
		{
			name:      "own blob remediated",
			index:     fakeIndex{{Checksum: one, Universe: "u1"}},
			universes: []string{"u1"},
			remediations: []Remediation{
				{NEVRA: n.String(), Universe: "u1", Checksum: one.String()},
			},
			universe:  "u1",
			canonical: one,
			wantFault: true,
		},
		{
			name:      "own blob missing from the index",
			index:     fakeIndex{{Checksum: two, Universe: "u1"}},
			universes: []string{"u1"},
			universe:  "u1",
			canonical: one,
			wantFault: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDetector(tt.index, tt.universes, tt.remediations)
			if err != nil {
				t.Fatal(err)
			}
			p := &repo.Package{NEVRA: n, Location: "Packages/bash.rpm", CanonicalChecksum: tt.canonical}
			re, err := d.Check(context.Background(), tt.universe, p, "id")
			if tt.wantFault {
				if !errors.Is(err, repodb.ErrConsistency) {
					t.Errorf("Check() error = %v, want ErrConsistency", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(tt.wantOthers) == 0 {
				if re != nil {
					t.Errorf("Check() = %v, want nil", re)
				}
				return
			}
			if re == nil || re.Kind != repo.KindMutable {
				t.Fatalf("Check() = %v, want a mutable_rpm error", re)
			}
			if len(re.Others) != len(tt.wantOthers) {
				t.Fatalf("Others = %v, want %v", re.Others, tt.wantOthers)
			}
			for i := range re.Others {
				if re.Others[i] != tt.wantOthers[i] {
					t.Errorf("Others[%d] = %v, want %v", i, re.Others[i], tt.wantOthers[i])
				}
			}
		})
	}
}

func TestNewDetectorRejectsNonCanonical(t *testing.T) {
	t.Parallel()

	_, err := NewDetector(fakeIndex{}, []string{"u1"}, []Remediation{{
		NEVRA:    "bash-0:1-1.noarch",
		Universe: "u1",
		Checksum: "sha256:" + strings.Repeat("a", 64),
	}})
	if err == nil {
		t.Error("NewDetector() accepted a sha256 remediation")
	}
}
