package mega

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/chanderlud/giga-grabber/internal/logging"
)

// Defaults applied by NewHTTPTransport when the corresponding option is
// zero.
const (
	DefaultOrigin        = "https://g.api.mega.co.nz/"
	DefaultMaxRetries    = 10
	DefaultMinRetryDelay = 10 * time.Millisecond
	DefaultMaxRetryDelay = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
)

// Transport sends batched API commands and raw content transfers. The
// concrete implementation is HTTPTransport; tests substitute fakes.
type Transport interface {
	// SendRequests executes one batch of commands, returning one raw
	// response per request, in request order.
	SendRequests(ctx context.Context, sid string, requests []Request, query url.Values) ([]json.RawMessage, error)
	// Get streams the content at url. The caller closes the body.
	Get(ctx context.Context, url string) (io.ReadCloser, error)
	// Post streams body to url and returns the response body. The caller
	// closes it.
	Post(ctx context.Context, url string, body io.Reader, contentLength int64) (io.ReadCloser, error)
}

// TransportOptions tune the API transport.
type TransportOptions struct {
	// Origin is the API endpoint base URL.
	Origin string
	// MaxRetries bounds attempts per command batch.
	MaxRetries int
	// MinRetryDelay is the first backoff step; it doubles per attempt.
	MinRetryDelay time.Duration
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
	// Timeout bounds each API attempt and the response header wait on
	// content transfers. Content bodies are not time-limited.
	Timeout time.Duration
	// Proxy selects a proxy per request. Nil falls back to the environment.
	Proxy func(*http.Request) (*url.URL, error)
	// Logger receives retry diagnostics.
	Logger logging.Logger
}

// HTTPTransport talks to the API and content endpoints over HTTP. Batches
// carry a sequence number so the server can de-duplicate retried requests.
type HTTPTransport struct {
	origin  *url.URL
	api     *http.Client
	content *http.Client
	log     logging.Logger

	maxRetries    int
	minRetryDelay time.Duration
	maxRetryDelay time.Duration

	counter atomic.Uint64
}

// NewHTTPTransport builds a transport, filling unset options with defaults.
func NewHTTPTransport(opts TransportOptions) (*HTTPTransport, error) {
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing api origin: %w", err)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MinRetryDelay <= 0 {
		opts.MinRetryDelay = DefaultMinRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewSlogLogger(slog.Default())
	}

	proxy := opts.Proxy
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}
	base := &http.Transport{
		Proxy:                 proxy,
		ResponseHeaderTimeout: opts.Timeout,
	}

	return &HTTPTransport{
		origin:        origin,
		api:           &http.Client{Timeout: opts.Timeout, Transport: base},
		content:       &http.Client{Transport: base},
		log:           opts.Logger,
		maxRetries:    opts.MaxRetries,
		minRetryDelay: opts.MinRetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
	}, nil
}

// SendRequests posts one JSON batch to the /cs endpoint, retrying transient
// failures with doubling backoff. The batch URL, including its sequence
// number, is fixed before the first attempt so retries replay the same
// request.
func (t *HTTPTransport) SendRequests(ctx context.Context, sid string, requests []Request, query url.Values) ([]json.RawMessage, error) {
	payload := make([]json.RawMessage, 0, len(requests))
	for _, req := range requests {
		encoded, err := marshalRequest(req)
		if err != nil {
			return nil, err
		}
		payload = append(payload, encoded)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := t.origin.JoinPath("cs")
	q := url.Values{}
	q.Set("id", strconv.FormatUint(t.counter.Add(1)-1, 10))
	if sid != "" {
		q.Set("sid", sid)
	}
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	endpoint.RawQuery = q.Encode()
	target := endpoint.String()

	var lastErr error
	delay := t.minRetryDelay
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = min(delay*2, t.maxRetryDelay)
		}

		responses, retry, err := t.attempt(ctx, target, body, len(requests))
		if err == nil {
			return responses, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
		t.log.Debug(ctx, "api batch attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrMaxRetriesReached, lastErr)
}

// attempt performs one POST of the batch. The second return value reports
// whether the failure is worth retrying.
func (t *HTTPTransport) attempt(ctx context.Context, target string, body []byte, n int) ([]json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.api.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, true, fmt.Errorf("api endpoint returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	// A bare number instead of an array fails the whole batch.
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')) {
		var code ErrorCode
		if err := json.Unmarshal(trimmed, &code); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
		}
		return nil, code == CodeAgain, code
	}

	var responses []json.RawMessage
	if err := json.Unmarshal(trimmed, &responses); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
	}
	if len(responses) != n {
		return nil, false, fmt.Errorf("%w: got %d responses for %d requests", ErrInvalidResponseFormat, len(responses), n)
	}
	return responses, false, nil
}

// Get streams the content at rawURL without a whole-body timeout; the
// context bounds the transfer.
func (t *HTTPTransport) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.content.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("content endpoint returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Post streams body to rawURL and returns the response body.
func (t *HTTPTransport) Post(ctx context.Context, rawURL string, body io.Reader, contentLength int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = contentLength

	resp, err := t.content.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("content endpoint returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
