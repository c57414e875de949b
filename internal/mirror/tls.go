package mirror

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig is the [tls] table.  It applies to every upstream fetch.
type TLSConfig struct {
	MinVersion         string   `toml:"min_version,omitempty"`
	MaxVersion         string   `toml:"max_version,omitempty"`
	CACertFile         string   `toml:"ca_cert_file,omitempty"`
	ClientCertFile     string   `toml:"client_cert_file,omitempty"`
	ClientKeyFile      string   `toml:"client_key_file,omitempty"`
	ServerName         string   `toml:"server_name,omitempty"`
	CipherSuites       []string `toml:"cipher_suites,omitempty"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify,omitempty"`
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func parseTLSVersion(name, v string) (uint16, error) {
	if v == "" {
		return 0, nil
	}
	version, ok := tlsVersions[v]
	if !ok {
		return 0, errors.Newf("unsupported %s %q: must be 1.2 or 1.3", name, v)
	}
	return version, nil
}

func cipherSuiteID(name string) (uint16, bool) {
	for _, s := range tls.CipherSuites() {
		if s.Name == name {
			return s.ID, true
		}
	}
	return 0, false
}

// Validate checks the configuration without touching any file.
func (c *TLSConfig) Validate() error {
	minVersion, err := parseTLSVersion("min_version", c.MinVersion)
	if err != nil {
		return err
	}
	maxVersion, err := parseTLSVersion("max_version", c.MaxVersion)
	if err != nil {
		return err
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		return errors.New("min_version cannot be greater than max_version")
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	for _, name := range c.CipherSuites {
		if _, ok := cipherSuiteID(name); !ok {
			return errors.Newf("unknown cipher suite %q", name)
		}
	}
	if c.InsecureSkipVerify {
		slog.Warn("TLS certificate verification is disabled")
	}
	return nil
}

// BuildTLSConfig returns the crypto/tls configuration.  TLS 1.2 is the
// minimum version unless configured otherwise.
func (c *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - opt-in via configuration
	}
	if v, _ := parseTLSVersion("min_version", c.MinVersion); v != 0 {
		cfg.MinVersion = v
	}
	if v, _ := parseTLSVersion("max_version", c.MaxVersion); v != 0 {
		cfg.MaxVersion = v
	}
	for _, name := range c.CipherSuites {
		id, _ := cipherSuiteID(name)
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}

	if c.CACertFile != "" {
		pem, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca_cert_file: no certificates found in " + c.CACertFile)
		}
		cfg.RootCAs = pool
	}
	if c.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
