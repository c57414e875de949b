package mirror

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

const userAgent = "reposnap/1.0"

// TransportError is a failed HTTP exchange: either a non-200 status or a
// network error while sending the request or reading the body.
type TransportError struct {
	Location string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return e.Location + ": HTTP status " + strconv.Itoa(e.Status)
	}
	return e.Location + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether trying again may help: 5xx, 408 and network
// errors are transient, other statuses are permanent.
func (e *TransportError) Retryable() bool {
	if e.Status != 0 {
		return e.Status >= 500 || e.Status == http.StatusRequestTimeout
	}
	return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
}

// isRetryable is the retry predicate for upstream fetches.  Integrity
// errors never qualify.
func isRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}

// HTTPClient fetches from upstream repositories.  At most maxConns
// requests are in flight at once.
type HTTPClient struct {
	client    *http.Client
	semaphore chan struct{}
}

// NewHTTPClient creates a new HTTP client for downloads.
func NewHTTPClient(maxConns int, tlsConfig *TLSConfig) (*HTTPClient, error) {
	client, err := clonedTransport(tlsConfig)
	if err != nil {
		return nil, err
	}
	semaphore := make(chan struct{}, maxConns)

	// Pre-fill the semaphore with tokens
	for i := 0; i < maxConns; i++ {
		semaphore <- struct{}{}
	}

	return &HTTPClient{
		client:    client,
		semaphore: semaphore,
	}, nil
}

// bodyReader marks read errors of a response body as transport errors.
type bodyReader struct {
	r        io.Reader
	location string
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		err = &TransportError{Location: b.location, Err: err}
	}
	return n, err
}

// Get makes one GET request for u and passes the body to consume.  A
// non-200 status is returned as a *TransportError without calling
// consume.
func (h *HTTPClient) Get(ctx context.Context, location string, u *url.URL, consume func(io.Reader) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.semaphore:
	}
	defer func() {
		h.semaphore <- struct{}{}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, location)
	}
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return &TransportError{Location: location, Err: err}
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Location: location, Status: resp.StatusCode}
	}
	return consume(&bodyReader{r: resp.Body, location: location})
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates a new HTTP client with optimized transport settings and TLS configuration.
func clonedTransport(tlsConfig *TLSConfig) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	if tlsConfig != nil {
		customTLSConfig, err := tlsConfig.BuildTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "tls")
		}
		tr.TLSClientConfig = customTLSConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}, nil
}
