package repo

import (
	"crypto/md5"  // #nosec G501 - MD5 is still declared by some upstream repos
	"crypto/sha1" // #nosec G505 - SHA1 is still declared by some upstream repos
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/cockroachdb/errors"
)

// CanonicalAlgorithm is the algorithm used to recompute the checksum of
// every downloaded blob, so that repos declaring different algorithms
// can be compared.
const CanonicalAlgorithm = "sha384"

// Checksum is a hash algorithm name plus the lowercase hex digest.
type Checksum struct {
	Algorithm string
	Hexdigest string
}

// ParseChecksum parses the "algorithm:hexdigest" form produced by String.
func ParseChecksum(s string) (Checksum, error) {
	algorithm, digest, ok := strings.Cut(s, ":")
	if !ok || algorithm == "" || digest == "" {
		return Checksum{}, errors.Newf("malformed checksum %q", s)
	}
	c := Checksum{Algorithm: algorithm, Hexdigest: strings.ToLower(digest)}
	if _, err := c.NewHash(); err != nil {
		return Checksum{}, err
	}
	if _, err := hex.DecodeString(c.Hexdigest); err != nil {
		return Checksum{}, errors.Wrapf(err, "checksum %q", s)
	}
	return c, nil
}

func (c Checksum) String() string {
	return c.Algorithm + ":" + c.Hexdigest
}

// IsZero returns true if c has not been computed yet.
func (c Checksum) IsZero() bool {
	return c.Algorithm == "" && c.Hexdigest == ""
}

// Equal compares algorithms and digests, ignoring digest case.
func (c Checksum) Equal(o Checksum) bool {
	return c.Algorithm == o.Algorithm && strings.EqualFold(c.Hexdigest, o.Hexdigest)
}

// NewHash returns a fresh hash.Hash for the checksum's algorithm.
func (c Checksum) NewHash() (hash.Hash, error) {
	return NewHash(c.Algorithm)
}

// NewHash returns a hash.Hash for an algorithm name as it appears in
// repository metadata.  Some repos say "sha" when they mean SHA-1.
func NewHash(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), nil // #nosec G401
	case "sha", "sha1":
		return sha1.New(), nil // #nosec G401
	case "sha224":
		return sha256.New224(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	}
	return nil, errors.Newf("unsupported checksum algorithm %q", algorithm)
}

// SumOf hashes data with the given algorithm.
func SumOf(algorithm string, data []byte) (Checksum, error) {
	h, err := NewHash(algorithm)
	if err != nil {
		return Checksum{}, err
	}
	h.Write(data)
	return Checksum{Algorithm: algorithm, Hexdigest: hex.EncodeToString(h.Sum(nil))}, nil
}

// UniverseChecksum pairs a canonical checksum with the universe it was
// recorded under.
type UniverseChecksum struct {
	Checksum Checksum
	Universe string
}

func (u UniverseChecksum) String() string {
	return u.Checksum.String() + "@" + u.Universe
}
