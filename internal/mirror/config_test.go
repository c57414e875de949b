package mirror

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mirrorctl/reposnap/internal/storage"
)

func TestConfig(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	configPath := filepath.Join("..", "..", "examples", "reposnap.toml")
	md, err := toml.DecodeFile(configPath, c)
	if err != nil {
		t.Fatal(err)
	}

	if len(md.Undecoded()) > 0 {
		t.Errorf("undecoded keys: %#v", md.Undecoded())
	}
	if err := c.Check(); err != nil {
		t.Fatal(err)
	}

	if c.Dir != "/var/lib/reposnap/snapshots" {
		t.Errorf(`c.Dir = %q, want "/var/lib/reposnap/snapshots"`, c.Dir)
	}
	if c.MaxConns != 10 {
		t.Errorf(`c.MaxConns = %d, want 10`, c.MaxConns)
	}
	if c.ClockSkew != time.Minute {
		t.Errorf(`c.ClockSkew = %v, want 1m0s`, c.ClockSkew)
	}
	if c.Storage.Kind != storage.KindFilesystem {
		t.Errorf(`c.Storage.Kind = %q, want "filesystem"`, c.Storage.Kind)
	}
	if c.Log.Level != "info" {
		t.Errorf(`c.Log.Level = %q, want "info"`, c.Log.Level)
	}
	if len(c.Remediated) != 1 {
		t.Errorf(`len(c.Remediated) = %d, want 1`, len(c.Remediated))
	}

	if len(c.Repos) != 3 {
		t.Fatalf(`len(c.Repos) = %d, want 3`, len(c.Repos))
	}
	baseos, ok := c.Repos["centos-baseos"]
	if !ok {
		t.Fatal(`centos-baseos repo not found`)
	}
	if baseos.URL.String() != "https://mirror.stream.centos.org/9-stream/BaseOS/x86_64/os/" {
		t.Errorf(`centos-baseos.URL = %q`, baseos.URL.String())
	}
	if baseos.Universe != "centos9" {
		t.Errorf(`centos-baseos.Universe = %q, want "centos9"`, baseos.Universe)
	}
	if got := baseos.Resolve("repodata/repomd.xml").String(); got != "https://mirror.stream.centos.org/9-stream/BaseOS/x86_64/os/repodata/repomd.xml" {
		t.Errorf(`Resolve("repodata/repomd.xml") = %q`, got)
	}
	if epel := c.Repos["epel"]; epel == nil || len(epel.GPGKeyURLs) != 0 {
		t.Errorf(`epel.GPGKeyURLs = %v, want none`, epel)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	if c.MetadataAttempts != 5 {
		t.Errorf(`c.MetadataAttempts = %d, want 5`, c.MetadataAttempts)
	}
	if c.RetryScale != time.Second {
		t.Errorf(`c.RetryScale = %v, want 1s`, c.RetryScale)
	}
	if c.Shard != "0:1" {
		t.Errorf(`c.Shard = %q, want "0:1"`, c.Shard)
	}
	if c.Server.Listen != ":8080" {
		t.Errorf(`c.Server.Listen = %q, want ":8080"`, c.Server.Listen)
	}
}

const minimalConfig = `
dir = "/srv/snapshots"
db = "/srv/index.sqlite3"

[storage]
base_dir = "/srv/blobs"

[repos.base]
url = "https://example.com/base"
universe = "el9"
`

func TestConfigCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		extra   string
		modify  func(*Config)
		wantErr string
	}{
		{name: "minimal"},
		{
			name:    "relative dir",
			modify:  func(c *Config) { c.Dir = "snapshots" },
			wantErr: "dir must be an absolute path",
		},
		{
			name:    "no db",
			modify:  func(c *Config) { c.DB = "" },
			wantErr: "db is not set",
		},
		{
			name:    "zero max_conns",
			modify:  func(c *Config) { c.MaxConns = 0 },
			wantErr: "max_conns",
		},
		{
			name:    "single metadata attempt",
			modify:  func(c *Config) { c.MetadataAttempts = 1 },
			wantErr: "metadata_attempts",
		},
		{
			name:    "bad shard",
			modify:  func(c *Config) { c.Shard = "2:2" },
			wantErr: "invalid shard",
		},
		{
			name:    "storage without base_dir",
			modify:  func(c *Config) { c.Storage.BaseDir = "" },
			wantErr: "base_dir is not set",
		},
		{
			name:    "bad repo name",
			extra:   "[repos.Bad]\nurl = \"https://example.com/\"\nuniverse = \"el9\"\n",
			wantErr: "invalid repo name",
		},
		{
			name:    "bad universe",
			modify:  func(c *Config) { c.Repos["base"].Universe = "EL 9" },
			wantErr: "invalid universe",
		},
		{
			name:    "no repos",
			modify:  func(c *Config) { c.Repos = nil },
			wantErr: "no repos",
		},
		{
			name:    "bad gpg key url",
			modify:  func(c *Config) { c.Repos["base"].GPGKeyURLs = []string{"ftp://example.com/key"} },
			wantErr: "unsupported scheme",
		},
		{
			name:    "remediation with md5",
			extra:   "[[remediated]]\nnevra = \"a-0:1-1.noarch\"\nuniverse = \"el9\"\nchecksum = \"nope:00\"\n",
			wantErr: "remediated[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			if _, err := toml.Decode(minimalConfig+tt.extra, c); err != nil {
				t.Fatal(err)
			}
			if tt.modify != nil {
				tt.modify(c)
			}
			err := c.Check()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Check() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Check() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRepoURLRejectsScheme(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	_, err := toml.Decode(strings.Replace(minimalConfig, "https://", "file://", 1), c)
	if err == nil {
		t.Error("expected an error for a file:// repo url")
	}
}

func TestRepoNames(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	c.Repos = map[string]*RepoConfig{"b": {}, "a": {}, "c": {}}

	names, err := c.RepoNames(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Errorf("RepoNames(nil) = %v, want [a b c]", names)
	}

	names, err = c.RepoNames([]string{"c", "a", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"a", "c"}) {
		t.Errorf("RepoNames([c a c]) = %v, want [a c]", names)
	}

	if _, err := c.RepoNames([]string{"d"}); err == nil {
		t.Error("RepoNames([d]) should fail")
	}
}

func TestIsValidName(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"centos-baseos": true,
		"epel_9.x":      true,
		"":              false,
		".":             false,
		"..":            false,
		"Upper":         false,
		"a/b":           false,
	} {
		if got := IsValidName(name); got != want {
			t.Errorf("IsValidName(%q) = %v, want %v", name, got, want)
		}
	}
}
