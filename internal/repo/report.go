package repo

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
)

// ErrIntegrity matches every *ReportableError of kind KindIntegrity.
var ErrIntegrity = errors.New("integrity check failed")

// ErrorKind tags a ReportableError.
type ErrorKind string

// Kinds of ReportableError.  The values are part of the snapshot index.
const (
	KindIntegrity ErrorKind = "file_integrity"
	KindHTTP      ErrorKind = "http"
	KindMutable   ErrorKind = "mutable_rpm"
	KindTransport ErrorKind = "transport"
)

// ReportableError is recorded in place of a storage ID when an object
// cannot be served.  It is an annotation of one object in a snapshot,
// never a reason to abort a run.
type ReportableError struct {
	Kind     ErrorKind
	Location string

	// KindIntegrity
	FailedCheck string
	Expected    string
	Actual      string

	// KindHTTP
	HTTPStatus int

	// KindMutable
	StorageID string
	Checksum  Checksum
	Others    []UniverseChecksum

	// KindTransport
	Message string
}

// NewIntegrityError reports a size or checksum mismatch.
func NewIntegrityError(location, failedCheck, expected, actual string) *ReportableError {
	return &ReportableError{
		Kind:        KindIntegrity,
		Location:    location,
		FailedCheck: failedCheck,
		Expected:    expected,
		Actual:      actual,
	}
}

// NewHTTPError reports a permanent, non-200 HTTP status.
func NewHTTPError(location string, status int) *ReportableError {
	return &ReportableError{Kind: KindHTTP, Location: location, HTTPStatus: status}
}

// NewTransportError reports a download that kept failing without an HTTP
// status, e.g. repeated connection resets.
func NewTransportError(location string, err error) *ReportableError {
	return &ReportableError{Kind: KindTransport, Location: location, Message: err.Error()}
}

// NewMutableError reports a NEVRA that maps to more than one content
// hash.  others is sorted.
func NewMutableError(location, storageID string, checksum Checksum, others []UniverseChecksum) *ReportableError {
	sorted := append([]UniverseChecksum(nil), others...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})
	return &ReportableError{
		Kind:      KindMutable,
		Location:  location,
		StorageID: storageID,
		Checksum:  checksum,
		Others:    sorted,
	}
}

func (e *ReportableError) fields() map[string]any {
	m := map[string]any{
		"error":    string(e.Kind),
		"location": e.Location,
	}
	switch e.Kind {
	case KindIntegrity:
		m["failed_check"] = e.FailedCheck
		m["expected"] = e.Expected
		m["actual"] = e.Actual
	case KindHTTP:
		m["http_status"] = e.HTTPStatus
	case KindMutable:
		m["storage_id"] = e.StorageID
		m["checksum"] = e.Checksum.String()
		others := make([][2]string, 0, len(e.Others))
		for _, o := range e.Others {
			others = append(others, [2]string{o.Checksum.String(), o.Universe})
		}
		m["other_checksums_and_universes"] = others
	case KindTransport:
		m["message"] = e.Message
	}
	return m
}

// MarshalJSON implements json.Marshaler.  Keys are emitted in sorted
// order so that equal errors serialize identically.
func (e *ReportableError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.fields())
}

// JSON returns the serialized form stored in the snapshot index.
func (e *ReportableError) JSON() string {
	b, err := e.MarshalJSON()
	if err != nil {
		return strconv.Quote(e.Error())
	}
	return string(b)
}

func (e *ReportableError) Error() string {
	switch e.Kind {
	case KindIntegrity:
		return e.Location + ": " + e.FailedCheck + " mismatch: expected " + e.Expected + ", got " + e.Actual
	case KindHTTP:
		return e.Location + ": HTTP status " + strconv.Itoa(e.HTTPStatus)
	case KindMutable:
		return e.Location + ": mutable package " + e.Checksum.String()
	}
	return e.Location + ": " + e.Message
}

// Is lets errors.Is(err, ErrIntegrity) match integrity failures.
func (e *ReportableError) Is(target error) bool {
	return target == ErrIntegrity && e.Kind == KindIntegrity
}
