package mirror

import (
	"log/slog"
	"net/url"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
	"github.com/mirrorctl/reposnap/internal/repodb"
	"github.com/mirrorctl/reposnap/internal/server"
	"github.com/mirrorctl/reposnap/internal/storage"
)

const (
	defaultMaxConns         = 10
	defaultMetadataAttempts = 5
	defaultRetryScale       = time.Second
	defaultShard            = "0:1"
	defaultListen           = ":8080"
)

var validName = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// IsValidName checks if the given repo name is valid.
func IsValidName(name string) bool {
	return validName.MatchString(name) && name != "." && name != ".."
}

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := parseHTTPURL(string(text))
	if err != nil {
		return err
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		if parsedURL.RawPath != "" {
			parsedURL.RawPath += "/"
		}
	}

	u.URL = parsedURL
	return nil
}

func parseHTTPURL(s string) (*url.URL, error) {
	parsedURL, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return nil, errors.New("unsupported scheme: " + parsedURL.Scheme)
	}
	return parsedURL, nil
}

// RepoConfig is the [repos.<name>] table.
type RepoConfig struct {
	URL        tomlURL  `toml:"url"`
	Universe   string   `toml:"universe"`
	GPGKeyURLs []string `toml:"gpg_key_urls,omitempty"`
}

// Check validates the configuration.
func (rc *RepoConfig) Check() error {
	if rc.URL.URL == nil {
		return errors.New("url is not set")
	}
	if !repo.IsValidUniverse(rc.Universe) {
		return errors.Newf("invalid universe %q", rc.Universe)
	}
	for _, k := range rc.GPGKeyURLs {
		u, err := parseHTTPURL(k)
		if err != nil {
			return errors.Wrapf(err, "gpg_key_urls: %s", k)
		}
		if path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
			return errors.Newf("gpg_key_urls: %s has no file name", k)
		}
	}
	return nil
}

// Resolve returns *url.URL for a path relative to the repo base URL.
func (rc *RepoConfig) Resolve(p string) *url.URL {
	return rc.URL.ResolveReference(&url.URL{Path: p})
}

// Remediation is one [[remediated]] entry: a mutable package blob that
// was diagnosed and deleted upstream and must no longer be reported.
type Remediation struct {
	NEVRA    string `toml:"nevra"`
	Universe string `toml:"universe"`
	Checksum string `toml:"checksum"`
}

// ServerConfig is the [server] table.
type ServerConfig struct {
	Listen    string `toml:"listen"`
	ChunkSize int    `toml:"chunk_size"`
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir              string                 `toml:"dir"`
	DB               string                 `toml:"db"`
	MaxConns         int                    `toml:"max_conns"`
	MetadataAttempts int                    `toml:"metadata_attempts"`
	ClockSkew        time.Duration          `toml:"clock_skew"`
	RetryScale       time.Duration          `toml:"retry_scale"`
	Shard            string                 `toml:"shard"`
	Log              LogConfig              `toml:"log"`
	TLS              TLSConfig              `toml:"tls"`
	Storage          storage.Config         `toml:"storage"`
	Server           ServerConfig           `toml:"server"`
	GPGAllowlist     []string               `toml:"gpg_allowlist"`
	Remediated       []Remediation          `toml:"remediated"`
	Repos            map[string]*RepoConfig `toml:"repos"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !path.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.DB == "" {
		return errors.New("db is not set")
	}
	if !path.IsAbs(c.DB) {
		return errors.New("db must be an absolute path")
	}
	if c.MaxConns < 1 {
		return errors.New("max_conns must be positive")
	}
	if c.MetadataAttempts < 2 {
		return errors.New("metadata_attempts must be at least 2")
	}
	if c.ClockSkew < 0 {
		return errors.New("clock_skew must not be negative")
	}
	if c.RetryScale < 0 {
		return errors.New("retry_scale must not be negative")
	}
	if _, err := ParseShard(c.Shard); err != nil {
		return err
	}
	if err := c.TLS.Validate(); err != nil {
		return errors.Wrap(err, "tls")
	}
	if err := c.Storage.Check(); err != nil {
		return err
	}
	for _, fp := range c.GPGAllowlist {
		if _, err := normalizeFingerprint(fp); err != nil {
			return errors.Wrap(err, "gpg_allowlist")
		}
	}
	for i, r := range c.Remediated {
		if r.NEVRA == "" {
			return errors.Newf("remediated[%d]: nevra is not set", i)
		}
		if !repo.IsValidUniverse(r.Universe) {
			return errors.Newf("remediated[%d]: invalid universe %q", i, r.Universe)
		}
		if _, err := repo.ParseChecksum(r.Checksum); err != nil {
			return errors.Wrapf(err, "remediated[%d]", i)
		}
	}
	if len(c.Repos) == 0 {
		return errors.New("no repos")
	}
	for name, rc := range c.Repos {
		if !IsValidName(name) {
			return errors.New("invalid repo name: " + name)
		}
		if err := rc.Check(); err != nil {
			return errors.Wrap(err, name)
		}
	}
	return nil
}

// RepoNames resolves names against the configuration.  An empty list
// selects every configured repo.  The result is sorted.
func (c *Config) RepoNames(names []string) ([]string, error) {
	if len(names) == 0 {
		for name := range c.Repos {
			names = append(names, name)
		}
	}
	seen := make(map[string]bool)
	var result []string
	for _, name := range names {
		if _, ok := c.Repos[name]; !ok {
			return nil, errors.New("no such repo: " + name)
		}
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result, nil
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConns:         defaultMaxConns,
		MetadataAttempts: defaultMetadataAttempts,
		ClockSkew:        repodb.DefaultClockSkew,
		RetryScale:       defaultRetryScale,
		Shard:            defaultShard,
		Storage:          storage.Config{Kind: storage.KindFilesystem},
		Server: ServerConfig{
			Listen:    defaultListen,
			ChunkSize: server.DefaultChunkSize,
		},
	}
}
