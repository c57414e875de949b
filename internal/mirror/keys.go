package mirror

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
)

// ErrUntrustedKey is returned when a fetched GPG key is not in the
// allowlist.  It aborts the run.
var ErrUntrustedKey = errors.New("gpg key is not in the allowlist")

// normalizeFingerprint lowercases a hex fingerprint and strips spaces and
// a 0x prefix.
func normalizeFingerprint(fp string) (string, error) {
	s := strings.ToLower(strings.ReplaceAll(fp, " ", ""))
	s = strings.TrimPrefix(s, "0x")
	if _, err := hex.DecodeString(s); err != nil || len(s) < 32 {
		return "", errors.Newf("invalid fingerprint %q", fp)
	}
	return s, nil
}

// parseKey accepts an armored or a binary OpenPGP key.
func parseKey(data []byte) (*crypto.Key, error) {
	key, err := crypto.NewKeyFromArmored(string(data))
	if err == nil {
		return key, nil
	}
	key, binErr := crypto.NewKey(data)
	if binErr != nil {
		return nil, errors.Wrap(err, "parse gpg key")
	}
	return key, nil
}

// checkKey verifies that data is an OpenPGP key whose fingerprint is
// allowed.
func checkKey(data []byte, allowlist map[string]bool) (string, error) {
	key, err := parseKey(data)
	if err != nil {
		return "", err
	}
	fp := strings.ToLower(key.GetFingerprint())
	if !allowlist[fp] {
		return fp, errors.Mark(errors.Newf("fingerprint %s", fp), ErrUntrustedKey)
	}
	return fp, nil
}

// fetchKeys downloads the GPG keys of the repo and returns them keyed by
// file name.
func (m *Mirror) fetchKeys(ctx context.Context) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, k := range m.rc.GPGKeyURLs {
		u, err := parseHTTPURL(k)
		if err != nil {
			return nil, errors.Wrap(err, m.name)
		}
		name := path.Base(u.Path)

		var data []byte
		err = m.p.executor("gpg key "+k, metadataRetries).Do(ctx, func() error {
			return m.p.Client.Get(ctx, name, u, func(r io.Reader) error {
				var err error
				data, err = io.ReadAll(r)
				return err
			})
		})
		if err != nil {
			return nil, errors.Wrapf(err, "%s: fetch gpg key %s", m.name, k)
		}

		fp, err := checkKey(data, m.p.allowlist)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: gpg key %s", m.name, k)
		}
		if _, dup := keys[name]; dup {
			return nil, errors.Newf("%s: two gpg keys named %s", m.name, name)
		}
		keys[name] = data
		slog.Info("gpg key accepted", "repo", m.name, "path", name, "fingerprint", fp)
	}
	return keys, nil
}
