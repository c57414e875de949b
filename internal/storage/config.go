package storage

import (
	"net/http"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Kind selects a storage backend.
type Kind string

// Storage backends.
const (
	KindFilesystem Kind = "filesystem"
	KindHTTP       Kind = "http"
	KindCLI        Kind = "cli"
)

// Config is the [storage] table of the configuration file.  Kind selects
// which of the remaining fields apply.
type Config struct {
	Kind Kind `toml:"kind"`

	// filesystem
	BaseDir string `toml:"base_dir,omitempty"`

	// http
	URL string `toml:"url,omitempty"`

	// cli
	WriteCmd  []string `toml:"write_cmd,omitempty"`
	ReadCmd   []string `toml:"read_cmd,omitempty"`
	RemoveCmd []string `toml:"remove_cmd,omitempty"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	switch c.Kind {
	case KindFilesystem:
		if c.BaseDir == "" {
			return errors.New("storage: base_dir is not set")
		}
		if !filepath.IsAbs(c.BaseDir) {
			return errors.New("storage: base_dir must be an absolute path")
		}
	case KindHTTP:
		if c.URL == "" {
			return errors.New("storage: url is not set")
		}
	case KindCLI:
		for name, cmd := range map[string][]string{
			"write_cmd":  c.WriteCmd,
			"read_cmd":   c.ReadCmd,
			"remove_cmd": c.RemoveCmd,
		} {
			if len(cmd) == 0 {
				return errors.Newf("storage: %s is not set", name)
			}
		}
	case "":
		return errors.New("storage: kind is not set")
	default:
		return errors.Newf("storage: unknown kind %q", c.Kind)
	}
	return nil
}

// New constructs the backend selected by c.Kind.  client is used by the
// http backend and may be nil.
func New(c *Config, client *http.Client) (Store, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case KindFilesystem:
		return NewFilesystemStore(c.BaseDir)
	case KindHTTP:
		return NewHTTPStore(c.URL, client)
	case KindCLI:
		return &CLIStore{WriteCmd: c.WriteCmd, ReadCmd: c.ReadCmd, RemoveCmd: c.RemoveCmd}, nil
	}
	return nil, errors.Newf("storage: unknown kind %q", c.Kind)
}
