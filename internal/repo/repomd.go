package repo

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// MetadataPath is the location of the root document relative to the
// repository base URL.
const MetadataPath = "repodata/repomd.xml"

// Metadata is a parsed repomd.xml together with its raw bytes.
type Metadata struct {
	Raw        []byte
	FetchTime  int64
	BuildTime  int64
	Checksum   Checksum
	IndexFiles []IndexFile
}

type xmlRepomd struct {
	XMLName xml.Name  `xml:"repomd"`
	Data    []xmlData `xml:"data"`
}

type xmlData struct {
	Type     string `xml:"type,attr"`
	Checksum struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"checksum"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Timestamp string `xml:"timestamp"`
	Size      string `xml:"size"`
}

// ParseMetadata parses raw repomd.xml bytes fetched at fetchTime.
//
// The build time of the document is the newest timestamp among its index
// files.
func ParseMetadata(raw []byte, fetchTime time.Time) (*Metadata, error) {
	var doc xmlRepomd
	if err := xml.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "parse "+MetadataPath)
	}
	if len(doc.Data) == 0 {
		return nil, errors.New(MetadataPath + " lists no index files")
	}

	sum, err := SumOf(CanonicalAlgorithm, raw)
	if err != nil {
		return nil, err
	}
	md := &Metadata{
		Raw:       raw,
		FetchTime: fetchTime.Unix(),
		Checksum:  sum,
	}
	seen := make(map[string]bool)
	for _, d := range doc.Data {
		if d.Location.Href == "" {
			return nil, errors.Newf("%s: index %q has no location", MetadataPath, d.Type)
		}
		if seen[d.Location.Href] {
			return nil, errors.Newf("%s: duplicate location %s", MetadataPath, d.Location.Href)
		}
		seen[d.Location.Href] = true

		c, err := ParseChecksum(d.Checksum.Type + ":" + strings.TrimSpace(d.Checksum.Value))
		if err != nil {
			return nil, errors.Wrap(err, d.Location.Href)
		}
		ts, err := parseTimestamp(d.Timestamp)
		if err != nil {
			return nil, errors.Wrap(err, d.Location.Href)
		}
		size := int64(-1)
		if s := strings.TrimSpace(d.Size); s != "" {
			size, err = strconv.ParseInt(s, 10, 64)
			if err != nil || size < 0 {
				return nil, errors.Newf("%s: bad size %q", d.Location.Href, d.Size)
			}
		}
		md.IndexFiles = append(md.IndexFiles, IndexFile{
			Type:      d.Type,
			Location:  d.Location.Href,
			Checksum:  c,
			Size:      size,
			BuildTime: ts,
		})
		if ts > md.BuildTime {
			md.BuildTime = ts
		}
	}
	return md, nil
}

// Some generators write timestamps as floats.
func parseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Newf("bad timestamp %q", s)
	}
	return int64(f), nil
}
