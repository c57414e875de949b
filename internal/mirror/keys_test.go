package mirror

import (
	"context"
	"strings"
	"testing"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
)

func generateKey(t *testing.T) *crypto.Key {
	t.Helper()
	key, err := crypto.PGP().KeyGeneration().AddUserId("Repo Signing", "signing@example.com").New().GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestNormalizeFingerprint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "99DB70FAE1D7CE227FB6488205B555B38483C65D", want: "99db70fae1d7ce227fb6488205b555b38483c65d"},
		{in: "0x99DB 70FA E1D7 CE22 7FB6 4882 05B5 55B3 8483 C65D", want: "99db70fae1d7ce227fb6488205b555b38483c65d"},
		{in: "8483C65D", wantErr: true},
		{in: "not hex at all, but long enough to pass the length", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeFingerprint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("normalizeFingerprint(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeFingerprint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCheckKey(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	armored, err := key.GetArmoredPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	binary, err := key.GetPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	fp := strings.ToLower(key.GetFingerprint())
	allowed := map[string]bool{fp: true}

	for name, data := range map[string][]byte{"armored": []byte(armored), "binary": binary} {
		got, err := checkKey(data, allowed)
		if err != nil {
			t.Errorf("%s: checkKey() = %v", name, err)
		}
		if got != fp {
			t.Errorf("%s: fingerprint = %s, want %s", name, got, fp)
		}
	}

	if _, err := checkKey([]byte(armored), map[string]bool{}); !errors.Is(err, ErrUntrustedKey) {
		t.Errorf("checkKey(empty allowlist) = %v, want ErrUntrustedKey", err)
	}
	if _, err := checkKey([]byte("garbage"), allowed); err == nil {
		t.Error("checkKey(garbage) succeeded")
	}
}

func TestPipelineKeys(t *testing.T) {
	t.Parallel()

	key := generateKey(t)
	armored, err := key.GetArmoredPublicKey()
	if err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t)
	env.up.publish(t, "a", []testRPM{{name: "bash", content: "bash rpm"}})
	env.up.mu.Lock()
	env.up.files["/keys/RPM-GPG-KEY-test"] = []byte(armored)
	env.up.mu.Unlock()
	env.addRepo(t, "a", "el9")
	env.repos["a"].GPGKeyURLs = []string{env.srv.URL + "/keys/RPM-GPG-KEY-test"}

	p := env.pipeline(t, nil)
	if err := p.SetAllowlist([]string{key.GetFingerprint()}); err != nil {
		t.Fatal(err)
	}
	s := env.run(t, p, "a")[0]
	if got := string(s.GPGKeys["RPM-GPG-KEY-test"]); got != armored {
		t.Errorf("GPGKeys = %v, want the armored key", s.GPGKeys)
	}

	p = env.pipeline(t, nil)
	if err := p.SetAllowlist(nil); err != nil {
		t.Fatal(err)
	}
	_, err = p.Run(context.Background(), []string{"a"}, env.repos)
	if !errors.Is(err, ErrUntrustedKey) {
		t.Errorf("Run() = %v, want ErrUntrustedKey", err)
	}
	if n := env.up.hitCount("/a/" + repo.MetadataPath); n != 4 {
		t.Errorf("repomd fetches = %d, want 4", n)
	}
}
