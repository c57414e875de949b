package repo

import (
	"context"
	"database/sql"
	"encoding/xml"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

// PrimaryParser extracts the package manifest from the compressed bytes
// of a primary index.  yield is called once per package; an error from
// yield stops parsing and is returned.
type PrimaryParser interface {
	Parse(ctx context.Context, r io.Reader, yield func(*Package) error) error
}

// PickPrimary chooses the primary index of a repo.  The SQLite form is
// preferred over XML.  Zero candidates, or more than one of the chosen
// form, is an error.
func PickPrimary(files []IndexFile) (*IndexFile, error) {
	var sqlites, xmls []*IndexFile
	for i := range files {
		f := &files[i]
		switch {
		case f.IsPrimarySQLite():
			sqlites = append(sqlites, f)
		case f.IsPrimaryXML():
			xmls = append(xmls, f)
		}
	}
	candidates := sqlites
	if len(candidates) == 0 {
		candidates = xmls
	}
	switch len(candidates) {
	case 0:
		return nil, errors.New("no known primary index")
	case 1:
		return candidates[0], nil
	}
	locations := make([]string, 0, len(candidates))
	for _, c := range candidates {
		locations = append(locations, c.Location)
	}
	return nil, errors.Newf("more than one primary index of one type: %s", strings.Join(locations, ", "))
}

// ParserFor returns the parser matching the form of f.
func ParserFor(f *IndexFile) (PrimaryParser, error) {
	switch {
	case f.IsPrimarySQLite():
		return &SQLiteParser{Location: f.Location}, nil
	case f.IsPrimaryXML():
		return &XMLParser{Location: f.Location}, nil
	}
	return nil, errors.Newf("%s is not a primary index", f.Location)
}

// SQLiteParser reads -primary.sqlite.* files.  The database is
// decompressed into a temporary file and queried once it is complete.
type SQLiteParser struct {
	Location string
	// TempDir is where the decompressed database goes.  Empty means
	// os.TempDir.
	TempDir string
}

const primaryQuery = `SELECT "location_href", "checksum_type", "pkgId", "size_package",
	"time_build", "name", "epoch", "version", "release", "arch", "rpm_sourcerpm"
	FROM "packages"`

// Parse implements PrimaryParser.
func (p *SQLiteParser) Parse(ctx context.Context, r io.Reader, yield func(*Package) error) error {
	dr, err := Decompress(p.Location, r)
	if err != nil {
		return err
	}
	defer dr.Close()

	tmp, err := os.CreateTemp(p.TempDir, "primary-*.sqlite")
	if err != nil {
		return errors.Wrap(err, "SQLiteParser")
	}
	tmpName := tmp.Name()
	defer func() {
		if err := os.Remove(tmpName); err != nil {
			slog.Warn("failed to remove temp file", "file", tmpName, "error", err)
		}
	}()

	_, err = io.Copy(tmp, dr)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, p.Location)
	}

	db, err := sql.Open("sqlite", tmpName)
	if err != nil {
		return errors.Wrap(err, p.Location)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, primaryQuery)
	if err != nil {
		return errors.Wrap(err, p.Location)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pkg       Package
			chkType   string
			chkValue  string
			epoch     string
			sourceRPM sql.NullString
		)
		err := rows.Scan(&pkg.Location, &chkType, &chkValue, &pkg.Size, &pkg.BuildTime,
			&pkg.Name, &epoch, &pkg.Version, &pkg.Release, &pkg.Arch, &sourceRPM)
		if err != nil {
			return errors.Wrap(err, p.Location)
		}
		if pkg.Epoch, err = parseEpoch(epoch); err != nil {
			return errors.Wrap(err, pkg.Location)
		}
		if pkg.Checksum, err = ParseChecksum(chkType + ":" + chkValue); err != nil {
			return errors.Wrap(err, pkg.Location)
		}
		pkg.SourceRPM = sourceRPM.String
		if err := yield(&pkg); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), p.Location)
}

// XMLParser reads -primary.xml.* files incrementally, one <package>
// element at a time.
type XMLParser struct {
	Location string
}

type xmlPackage struct {
	Name    string `xml:"name"`
	Arch    string `xml:"arch"`
	Version struct {
		Epoch string `xml:"epoch,attr"`
		Ver   string `xml:"ver,attr"`
		Rel   string `xml:"rel,attr"`
	} `xml:"version"`
	Checksum struct {
		Type  string `xml:"type,attr"`
		PkgID string `xml:"pkgid,attr"`
		Value string `xml:",chardata"`
	} `xml:"checksum"`
	Time struct {
		Build int64 `xml:"build,attr"`
	} `xml:"time"`
	Size struct {
		Package int64 `xml:"package,attr"`
	} `xml:"size"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Format struct {
		SourceRPM string `xml:"sourcerpm"`
	} `xml:"format"`
}

// Parse implements PrimaryParser.
func (p *XMLParser) Parse(ctx context.Context, r io.Reader, yield func(*Package) error) error {
	dr, err := Decompress(p.Location, r)
	if err != nil {
		return err
	}
	defer dr.Close()

	dec := xml.NewDecoder(dr)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, p.Location)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "package" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var xp xmlPackage
		if err := dec.DecodeElement(&xp, &start); err != nil {
			return errors.Wrap(err, p.Location)
		}
		pkg, err := xp.toPackage()
		if err != nil {
			return errors.Wrap(err, p.Location)
		}
		if err := yield(pkg); err != nil {
			return err
		}
	}
}

func (xp *xmlPackage) toPackage() (*Package, error) {
	if xp.Name == "" || xp.Location.Href == "" {
		return nil, errors.Newf("package element without name or location: %+v", xp)
	}
	// Some generators omit pkgid; anything other than YES is suspect.
	if xp.Checksum.PkgID != "" && xp.Checksum.PkgID != "YES" {
		return nil, errors.Newf("%s: checksum pkgid=%q", xp.Location.Href, xp.Checksum.PkgID)
	}
	epoch, err := parseEpoch(xp.Version.Epoch)
	if err != nil {
		return nil, errors.Wrap(err, xp.Location.Href)
	}
	c, err := ParseChecksum(xp.Checksum.Type + ":" + strings.TrimSpace(xp.Checksum.Value))
	if err != nil {
		return nil, errors.Wrap(err, xp.Location.Href)
	}
	return &Package{
		NEVRA: NEVRA{
			Name:    xp.Name,
			Epoch:   epoch,
			Version: xp.Version.Ver,
			Release: xp.Version.Rel,
			Arch:    xp.Arch,
		},
		Location:  xp.Location.Href,
		Checksum:  c,
		Size:      xp.Size.Package,
		BuildTime: xp.Time.Build,
		SourceRPM: strings.TrimSpace(xp.Format.SourceRPM),
	}, nil
}

func parseEpoch(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
