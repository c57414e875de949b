package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

var errAbandoned = errors.New("blob abandoned")

// HTTPStore talks to an object store that accepts PUT, GET and DELETE on
// <base>/<id>.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPStore returns a store rooted at baseURL.  A nil client means
// http.DefaultClient.
func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "NewHTTPStore")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("unsupported scheme: " + u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{base: u, client: client}, nil
}

func (s *HTTPStore) objectURL(id string) string {
	return s.base.ResolveReference(&url.URL{Path: id}).String()
}

type httpWriter struct {
	store *HTTPStore
	id    string
	pw    *io.PipeWriter
	resp  chan error
	done  bool
}

// Writer implements Store.  The body is streamed to the server as it is
// written.
func (s *HTTPStore) Writer(ctx context.Context) (Writer, error) {
	id := newID()
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(id), pr)
	if err != nil {
		return nil, errors.Wrap(err, "HTTPStore.Writer")
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	w := &httpWriter{store: s, id: id, pw: pw, resp: make(chan error, 1)}
	go func() {
		resp, err := s.client.Do(req)
		if err != nil {
			pr.CloseWithError(err)
			w.resp <- err
			return
		}
		defer closeBody(resp)
		if resp.StatusCode/100 != 2 {
			pr.CloseWithError(errAbandoned)
			w.resp <- fmt.Errorf("PUT %s: status %d", id, resp.StatusCode)
			return
		}
		w.resp <- nil
	}()
	return w, nil
}

func (w *httpWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("write after commit or abandon")
	}
	return w.pw.Write(p)
}

func (w *httpWriter) Commit() (string, error) {
	if w.done {
		return "", errors.New("commit after commit or abandon")
	}
	w.done = true
	if err := w.pw.Close(); err != nil {
		return "", errors.Wrap(err, "commit "+w.id)
	}
	if err := <-w.resp; err != nil {
		w.store.removeQuietly(w.id)
		return "", errors.Wrap(err, "commit "+w.id)
	}
	return w.id, nil
}

func (w *httpWriter) Abandon() {
	if w.done {
		return
	}
	w.done = true
	w.pw.CloseWithError(errAbandoned)
	<-w.resp
	w.store.removeQuietly(w.id)
}

func (s *HTTPStore) removeQuietly(id string) {
	if err := s.Remove(context.Background(), id); err != nil {
		slog.Warn("failed to discard partial blob", "storage_id", id, "error", err)
	}
}

// Reader implements Store.
func (s *HTTPStore) Reader(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(id), nil)
	if err != nil {
		return nil, errors.Wrap(err, "HTTPStore.Reader")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "HTTPStore.Reader")
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		closeBody(resp)
		return nil, errors.Mark(errors.Newf("blob %s does not exist", id), ErrNotFound)
	}
	closeBody(resp)
	return nil, errors.Newf("GET %s: status %d", id, resp.StatusCode)
}

// Remove implements Store.
func (s *HTTPStore) Remove(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(id), nil)
	if err != nil {
		return errors.Wrap(err, "HTTPStore.Remove")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTPStore.Remove")
	}
	closeBody(resp)
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return errors.Newf("DELETE %s: status %d", id, resp.StatusCode)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
