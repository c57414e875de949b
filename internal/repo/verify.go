package repo

import (
	"encoding/hex"
	"hash"
	"io"
	"strconv"
)

// VerifyingReader passes bytes through from an underlying reader while
// counting and hashing them.
//
// A read that takes the total past the declared size fails at once.  At
// the end of the stream the size and the declared checksum are compared,
// and a mismatch is returned instead of io.EOF.  Errors are sticky.
type VerifyingReader struct {
	r         io.Reader
	location  string
	want      Checksum
	wantSize  int64
	declared  hash.Hash
	canonical hash.Hash
	n         int64
	err       error
}

// NewVerifyingReader wraps r.  A negative size disables the size check.
func NewVerifyingReader(r io.Reader, location string, want Checksum, size int64) (*VerifyingReader, error) {
	declared, err := want.NewHash()
	if err != nil {
		return nil, err
	}
	v := &VerifyingReader{
		r:        r,
		location: location,
		want:     want,
		wantSize: size,
		declared: declared,
	}
	if want.Algorithm != CanonicalAlgorithm {
		v.canonical, _ = NewHash(CanonicalAlgorithm)
	}
	return v, nil
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	n, err := v.r.Read(p)
	if n > 0 {
		v.n += int64(n)
		if v.wantSize >= 0 && v.n > v.wantSize {
			v.err = v.sizeError()
			return 0, v.err
		}
		v.declared.Write(p[:n])
		if v.canonical != nil {
			v.canonical.Write(p[:n])
		}
	}
	if err == io.EOF {
		if verr := v.check(); verr != nil {
			v.err = verr
			return n, verr
		}
		v.err = io.EOF
	} else if err != nil {
		v.err = err
	}
	return n, err
}

func (v *VerifyingReader) sizeError() error {
	return NewIntegrityError(v.location, "size", strconv.FormatInt(v.wantSize, 10), strconv.FormatInt(v.n, 10))
}

func (v *VerifyingReader) check() error {
	if v.wantSize >= 0 && v.n != v.wantSize {
		return v.sizeError()
	}
	got := Checksum{Algorithm: v.want.Algorithm, Hexdigest: hex.EncodeToString(v.declared.Sum(nil))}
	if !got.Equal(v.want) {
		return NewIntegrityError(v.location, "checksum", v.want.String(), got.String())
	}
	return nil
}

// Size returns the number of bytes read so far.
func (v *VerifyingReader) Size() int64 {
	return v.n
}

// Canonical returns the CanonicalAlgorithm checksum of everything read.
// It is only meaningful once the reader has returned io.EOF.
func (v *VerifyingReader) Canonical() Checksum {
	h := v.canonical
	if h == nil {
		h = v.declared
	}
	return Checksum{Algorithm: CanonicalAlgorithm, Hexdigest: hex.EncodeToString(h.Sum(nil))}
}
