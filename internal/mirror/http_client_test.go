package mirror

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/reposnap/internal/repo"
)

func TestTransportErrorRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "500", err: &TransportError{Location: "x", Status: 500}, want: true},
		{name: "503", err: &TransportError{Location: "x", Status: 503}, want: true},
		{name: "408", err: &TransportError{Location: "x", Status: 408}, want: true},
		{name: "404", err: &TransportError{Location: "x", Status: 404}},
		{name: "403", err: &TransportError{Location: "x", Status: 403}},
		{name: "reset", err: &TransportError{Location: "x", Err: io.ErrUnexpectedEOF}, want: true},
		{name: "cancelled", err: &TransportError{Location: "x", Err: context.Canceled}},
		{name: "wrapped 502", err: errors.Wrap(&TransportError{Location: "x", Status: 502}, "fetch"), want: true},
		{name: "integrity", err: repo.NewIntegrityError("x", "size", "1", "2")},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("%s: isRetryable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReportable(t *testing.T) {
	t.Parallel()

	re, ok := reportable(errors.Wrap(&TransportError{Location: "Packages/a.rpm", Status: 404}, "fetch"))
	if !ok || re.Kind != repo.KindHTTP || re.HTTPStatus != 404 || re.Location != "Packages/a.rpm" {
		t.Errorf("reportable(404) = %+v, %v", re, ok)
	}

	re, ok = reportable(&TransportError{Location: "Packages/a.rpm", Err: io.ErrUnexpectedEOF})
	if !ok || re.Kind != repo.KindTransport {
		t.Errorf("reportable(reset) = %+v, %v", re, ok)
	}

	integrity := repo.NewIntegrityError("Packages/a.rpm", "size", "1", "2")
	if re, ok := reportable(errors.Wrap(integrity, "fetch")); !ok || re != integrity {
		t.Errorf("reportable(integrity) = %+v, %v", re, ok)
	}

	if _, ok := reportable(errors.New("disk full")); ok {
		t.Error("reportable(disk full) = true, want false")
	}
	if _, ok := reportable(&TransportError{Location: "x", Err: context.Canceled}); ok {
		t.Error("reportable(cancelled) = true, want false")
	}
}

func TestHTTPClientGet(t *testing.T) {
	t.Parallel()

	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	client, err := NewHTTPClient(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(srv.URL + "/ok")
	if err != nil {
		t.Fatal(err)
	}

	var body string
	err = client.Get(context.Background(), "ok", u, func(r io.Reader) error {
		data, err := io.ReadAll(r)
		body = string(data)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if body != "hello" {
		t.Errorf("body = %q, want hello", body)
	}
	if agent != userAgent {
		t.Errorf("User-Agent = %q, want %q", agent, userAgent)
	}

	u.Path = "/missing"
	called := false
	err = client.Get(context.Background(), "missing", u, func(io.Reader) error {
		called = true
		return nil
	})
	var te *TransportError
	if !errors.As(err, &te) || te.Status != http.StatusNotFound {
		t.Errorf("Get(missing) = %v, want a 404 TransportError", err)
	}
	if called {
		t.Error("consume was called for a 404")
	}
}
