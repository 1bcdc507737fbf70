package mega

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"

	"github.com/chanderlud/giga-grabber/internal/logging"
)

// fakeTransport records batches and answers them through a pluggable handler,
// so client behavior can be tested without a server.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []fakeCall
	handler func(sid string, requests []Request, query url.Values) ([]json.RawMessage, error)

	getFunc  func(ctx context.Context, rawURL string) (io.ReadCloser, error)
	postFunc func(ctx context.Context, rawURL string, body io.Reader, contentLength int64) (io.ReadCloser, error)
}

type fakeCall struct {
	SID      string
	Requests []Request
	Query    url.Values
}

func (f *fakeTransport) SendRequests(ctx context.Context, sid string, requests []Request, query url.Values) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{SID: sid, Requests: requests, Query: query})
	f.mu.Unlock()
	if f.handler == nil {
		return nil, errors.New("unexpected batch")
	}
	return f.handler(sid, requests, query)
}

func (f *fakeTransport) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if f.getFunc == nil {
		return nil, errors.New("unexpected content get")
	}
	return f.getFunc(ctx, rawURL)
}

func (f *fakeTransport) Post(ctx context.Context, rawURL string, body io.Reader, contentLength int64) (io.ReadCloser, error) {
	if f.postFunc == nil {
		return nil, errors.New("unexpected content post")
	}
	return f.postFunc(ctx, rawURL, body, contentLength)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) call(i int) fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// raws builds a response batch from JSON fragments.
func raws(fragments ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(fragments))
	for i, fragment := range fragments {
		out[i] = json.RawMessage(fragment)
	}
	return out
}

// ackAll answers every request in a batch with a bare success code.
func ackAll(_ string, requests []Request, _ url.Values) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(requests))
	for i := range out {
		out[i] = json.RawMessage("0")
	}
	return out, nil
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestClient(t *testing.T, ft *fakeTransport) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{Transport: ft, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

// authedClient returns a client already holding a session, bypassing the
// login exchange.
func authedClient(t *testing.T, ft *fakeTransport, masterKey []byte) *Client {
	t.Helper()
	c := newTestClient(t, ft)
	c.state = StateAuthenticated
	c.sid = "SESSION"
	c.masterKey = masterKey
	return c
}
