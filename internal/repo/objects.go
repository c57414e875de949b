// Package repo holds the data model of an RPM repository as published
// upstream: the repomd.xml root document, the index files it lists, and
// the packages listed in the primary index.
package repo

import (
	"fmt"
	"regexp"
	"strings"
)

var validUniverse = regexp.MustCompile(`^[a-zA-Z0-9.]*$`)

// IsValidUniverse checks if u may be used as a universe name.
func IsValidUniverse(u string) bool {
	return validUniverse.MatchString(u)
}

// NEVRA is the composite identity of a package.
type NEVRA struct {
	Name    string
	Epoch   int
	Version string
	Release string
	Arch    string
}

// String returns the NEVRA in "name-epoch:version-release.arch" form.
func (n NEVRA) String() string {
	return fmt.Sprintf("%s-%d:%s-%s.%s", n.Name, n.Epoch, n.Version, n.Release, n.Arch)
}

// IndexFile is a secondary index file listed in repomd.xml.
type IndexFile struct {
	Type      string
	Location  string
	Checksum  Checksum
	// Size is -1 when repomd.xml does not declare it.
	Size      int64
	BuildTime int64
}

var (
	primarySQLite = regexp.MustCompile(`(^|/)[^/]*-primary\.sqlite\.(bz2|gz|xz|zst)$`)
	primaryXML    = regexp.MustCompile(`(^|/)[^/]*-primary\.xml\.(gz|xz|zst)$`)
)

// IsPrimarySQLite returns true for the embedded-database form of the
// primary index.
func (f *IndexFile) IsPrimarySQLite() bool {
	return primarySQLite.MatchString(f.Location)
}

// IsPrimaryXML returns true for the streamable XML form of the primary
// index.
func (f *IndexFile) IsPrimaryXML() bool {
	return primaryXML.MatchString(f.Location)
}

// Package is one entry of the primary index.
//
// CanonicalChecksum is empty until the blob has been downloaded or found
// in the dedup index.
type Package struct {
	NEVRA
	Location          string
	Checksum          Checksum
	CanonicalChecksum Checksum
	Size              int64
	BuildTime         int64
	SourceRPM         string
}

// BestChecksum returns the canonical checksum if it is known and the
// declared one otherwise.
func (p *Package) BestChecksum() Checksum {
	if !p.CanonicalChecksum.IsZero() {
		return p.CanonicalChecksum
	}
	return p.Checksum
}

// IsSource returns true for source packages, which carry no SourceRPM.
func (p *Package) IsSource() bool {
	return strings.HasSuffix(p.Location, ".src.rpm")
}
