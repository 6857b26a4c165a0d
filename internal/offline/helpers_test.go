package offline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("dial tcp: connect: network is unreachable")

type call struct {
	Method string
	URL    string
	Body   string
	Header http.Header
}

// fakeNet is a Fetcher that records every request and serves it from
// handler while online.
type fakeNet struct {
	mu      sync.Mutex
	online  bool
	calls   []call
	handler http.Handler
	// fail forces a transport error for matching requests even when online.
	fail func(*http.Request) bool
}

func newFakeNet(h http.Handler) *fakeNet {
	return &fakeNet{online: true, handler: h}
}

func (f *fakeNet) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		_ = req.Body.Close()
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	f.mu.Lock()
	f.calls = append(f.calls, call{Method: req.Method, URL: req.URL.String(), Body: string(body), Header: req.Header.Clone()})
	online, fail, h := f.online, f.fail, f.handler
	f.mu.Unlock()

	if !online || (fail != nil && fail(req)) {
		return nil, errUnreachable
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (f *fakeNet) SetOnline(v bool) {
	f.mu.Lock()
	f.online = v
	f.mu.Unlock()
}

func (f *fakeNet) SetFail(fn func(*http.Request) bool) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeNet) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeNet) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNet) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// fakeClock is a settable clock for backoff tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const testConfigYAML = `
server:
  origin: https://collectr.test
  backend: https://api.collectr.test
cache:
  version: collectr-v2
  path: ":memory:"
  precache: ["/", "/dashboard"]
queue:
  path: ":memory:"
  maxAttempts: 3
  backoff:
    initial: 1s
    max: 1m
sync:
  probeEvery: 0s
  drainOnStart: false
`

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)
	return cfg
}

// appShell serves the origin and backend hosts used in tests.
func appShell() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	})
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>you are offline</html>")
	})
	mux.HandleFunc("/icons/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "PNG:"+r.URL.Path)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusCreated)
		}
		_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
	})
	return mux
}

type serviceOpt func(*Config, *Options)

func newTestService(t *testing.T, net *fakeNet, mods ...serviceOpt) *Service {
	t.Helper()
	cfg := testConfig(t)
	opts := Options{Fetcher: net}
	for _, m := range mods {
		m(&cfg, &opts)
	}
	svc, err := NewService(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func intercept(t *testing.T, svc *Service, method, target, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, target, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := svc.OnIntercept(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// brokenQueue fails every write.
type brokenQueue struct{ QueueStore }

func (brokenQueue) Add(context.Context, PendingRequest) (PendingRequest, error) {
	return PendingRequest{}, errors.New("leveldb: closed")
}

func (brokenQueue) Close() error { return nil }
