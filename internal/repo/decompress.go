package repo

import (
	"compress/bzip2"
	"io"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Decompress returns a reader of the uncompressed contents of r, picking
// the codec from the extension of location.  Unknown extensions are
// passed through as is.
func Decompress(location string, r io.Reader) (io.ReadCloser, error) {
	switch path.Ext(location) {
	case ".gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, location)
		}
		return gz, nil
	case ".bz2":
		return io.NopCloser(bzip2.NewReader(r)), nil
	case ".xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, location)
		}
		return io.NopCloser(xr), nil
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, location)
		}
		return zr.IOReadCloser(), nil
	}
	return io.NopCloser(r), nil
}
