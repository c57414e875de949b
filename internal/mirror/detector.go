package mirror

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/repodb"
)

// ChecksumIndex is the part of the dedup index the Detector reads.
type ChecksumIndex interface {
	CanonicalChecksums(ctx context.Context, n repo.NEVRA, universes []string) ([]repo.UniverseChecksum, error)
}

type remediationKey struct {
	universe string
	nevra    string
}

// Detector flags packages whose NEVRA is recorded with more than one
// canonical checksum across the universes of the current run.
type Detector struct {
	index      ChecksumIndex
	universes  []string
	remediated map[remediationKey][]repo.Checksum
}

// NewDetector creates a Detector for a run over universes.  Blobs listed
// in remediations were diagnosed as bad and removed upstream; they no
// longer count as conflicts.
func NewDetector(index ChecksumIndex, universes []string, remediations []Remediation) (*Detector, error) {
	d := &Detector{
		index:      index,
		universes:  universes,
		remediated: make(map[remediationKey][]repo.Checksum),
	}
	for _, r := range remediations {
		c, err := repo.ParseChecksum(r.Checksum)
		if err != nil {
			return nil, errors.Wrapf(err, "remediated %s", r.NEVRA)
		}
		if c.Algorithm != repo.CanonicalAlgorithm {
			return nil, errors.Newf("remediated %s: checksum must be %s", r.NEVRA, repo.CanonicalAlgorithm)
		}
		k := remediationKey{universe: r.Universe, nevra: r.NEVRA}
		d.remediated[k] = append(d.remediated[k], c)
	}
	return d, nil
}

// Check examines p, whose CanonicalChecksum is set and which is stored as
// storageID in universe.  A mutable package yields a ReportableError; a
// returned error is fatal.
func (d *Detector) Check(ctx context.Context, universe string, p *repo.Package, storageID string) (*repo.ReportableError, error) {
	all, err := d.index.CanonicalChecksums(ctx, p.NEVRA, d.universes)
	if err != nil {
		return nil, err
	}

	mine := make(map[repo.UniverseChecksum]bool)
	for _, u := range d.universes {
		mine[repo.UniverseChecksum{Checksum: p.CanonicalChecksum, Universe: u}] = true
	}
	found := false
	for _, uc := range all {
		if uc.Checksum.Algorithm != repo.CanonicalAlgorithm {
			return nil, errors.Mark(errors.Newf("%s: non-canonical checksum %s in the index", p.NEVRA, uc), repodb.ErrConsistency)
		}
		if mine[uc] {
			found = true
		}
	}
	if !found {
		return nil, errors.Mark(errors.Newf("%s: %s is stored as %s but not in the index", p.NEVRA, p.CanonicalChecksum, storageID), repodb.ErrConsistency)
	}

	nevra := p.NEVRA.String()
	deleted := make(map[repo.UniverseChecksum]bool)
	for _, u := range d.universes {
		for _, c := range d.remediated[remediationKey{universe: u, nevra: nevra}] {
			deleted[repo.UniverseChecksum{Checksum: c, Universe: u}] = true
		}
	}
	if deleted[repo.UniverseChecksum{Checksum: p.CanonicalChecksum, Universe: universe}] {
		return nil, errors.Mark(errors.Newf("%s in %s is listed as remediated, but the repo still serves it", p.NEVRA, universe), repodb.ErrConsistency)
	}

	var others []repo.UniverseChecksum
	for _, uc := range all {
		if !mine[uc] && !deleted[uc] {
			others = append(others, uc)
		}
	}
	if len(others) == 0 {
		return nil, nil
	}
	return repo.NewMutableError(p.Location, storageID, p.CanonicalChecksum, others), nil
}
