package mirror

import (
	"crypto/sha1" // #nosec G505 - a stable partition, not a security boundary
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
)

// Shard selects a stable subset of packages so that uncoordinated runs can
// split one snapshot between them.  The zero value is invalid; use
// ParseShard.
type Shard struct {
	Index  uint64
	Modulo uint64
}

// ParseShard parses "index:modulo".
func ParseShard(s string) (Shard, error) {
	i, m, ok := strings.Cut(s, ":")
	if !ok {
		return Shard{}, errors.Newf("invalid shard %q: want index:modulo", s)
	}
	index, err := strconv.ParseUint(i, 10, 64)
	if err != nil {
		return Shard{}, errors.Wrapf(err, "invalid shard %q", s)
	}
	modulo, err := strconv.ParseUint(m, 10, 64)
	if err != nil {
		return Shard{}, errors.Wrapf(err, "invalid shard %q", s)
	}
	if modulo == 0 || index >= modulo {
		return Shard{}, errors.Newf("invalid shard %q: need 0 <= index < modulo", s)
	}
	return Shard{Index: index, Modulo: modulo}, nil
}

func (s Shard) String() string {
	return strconv.FormatUint(s.Index, 10) + ":" + strconv.FormatUint(s.Modulo, 10)
}

// Contains reports whether n falls in the shard.
func (s Shard) Contains(n repo.NEVRA) bool {
	sum := sha1.Sum([]byte(n.String())) // #nosec G401
	return binary.LittleEndian.Uint64(sum[12:20])%s.Modulo == s.Index
}
