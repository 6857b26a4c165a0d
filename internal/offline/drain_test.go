package offline

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, net Fetcher, clock *fakeClock, maxAttempts int) *Queue {
	t.Helper()
	store, err := NewLevelQueue(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewQueue(store, net, QueueOptions{
		MaxAttempts:    maxAttempts,
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
		Now:            clock.Now,
	})
}

func enqueue(t *testing.T, q *Queue, method, target, body string) PendingRequest {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	p, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return p
}

func TestEnqueue_RestoresBodyAndAssignsIDs(t *testing.T) {
	q := newTestQueue(t, newFakeNet(appShell()), newFakeClock(), 3)

	req, err := http.NewRequest(http.MethodPost, "https://api.collectr.test/api/items", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	req.Header.Add("X-Sphere", "pokemon")
	req.Header.Add("X-Sphere", "yugioh")

	p1, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	p2 := enqueue(t, q, http.MethodPost, "https://api.collectr.test/api/items", `{"a":2}`)

	assert.Equal(t, uint64(1), p1.ID)
	assert.Equal(t, uint64(2), p2.ID)
	assert.Equal(t, "pokemon, yugioh", p1.Header["X-Sphere"])
	assert.NotEqual(t, p1.IdempotencyKey, p2.IdempotencyKey)

	rest := make([]byte, 16)
	n, _ := req.Body.Read(rest)
	assert.Equal(t, `{"a":1}`, string(rest[:n]))
}

func TestEnqueue_KeepsClientIdempotencyKey(t *testing.T) {
	q := newTestQueue(t, newFakeNet(appShell()), newFakeClock(), 3)
	req, err := http.NewRequest(http.MethodPost, "https://api.collectr.test/api/items", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Idempotency-Key", "client-123")

	p, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "client-123", p.IdempotencyKey)
}

func TestDrain_ReplaysInInsertionOrderWithIdempotencyKey(t *testing.T) {
	net := newFakeNet(appShell())
	q := newTestQueue(t, net, newFakeClock(), 3)
	a := enqueue(t, q, http.MethodPost, "https://api.collectr.test/api/a", `{"n":1}`)
	enqueue(t, q, http.MethodPut, "https://api.collectr.test/api/b", `{"n":2}`)
	enqueue(t, q, http.MethodDelete, "https://api.collectr.test/api/c", "")

	rep, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Replayed: 3}, rep)

	calls := net.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"POST", "PUT", "DELETE"}, []string{calls[0].Method, calls[1].Method, calls[2].Method})
	assert.Equal(t, a.IdempotencyKey, calls[0].Header.Get("Idempotency-Key"))

	pending, _, err := q.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDrain_PartialFailureKeepsOnlyFailedRow(t *testing.T) {
	net := newFakeNet(appShell())
	net.fail = func(r *http.Request) bool { return r.URL.Path == "/api/first" }
	q := newTestQueue(t, net, newFakeClock(), 3)
	first := enqueue(t, q, http.MethodPost, "https://api.collectr.test/api/first", `{"n":1}`)
	enqueue(t, q, http.MethodPost, "https://api.collectr.test/api/second", `{"n":2}`)

	rep, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Replayed)
	assert.Equal(t, 1, rep.Retained)

	rows, err := q.Store().List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, first.ID, rows[0].ID)
	assert.Equal(t, `{"n":1}`, rows[0].Body)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Contains(t, rows[0].LastError, "unreachable")
}

func TestDrain_BackoffSkipsUntilDue(t *testing.T) {
	net := newFakeNet(appShell())
	net.SetOnline(false)
	clock := newFakeClock()
	q := newTestQueue(t, net, clock, 5)
	enqueue(t, q, http.MethodPost, "https://api.collectr.test/api/items", `{}`)

	rep, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retained)

	net.SetOnline(true)
	rep, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Skipped: 1}, rep)

	clock.Advance(time.Second)
	rep, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Replayed: 1}, rep)
}

func TestDrain_DeadLettersAfterMaxAttempts(t *testing.T) {
	net := newFakeNet(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	clock := newFakeClock()
	q := newTestQueue(t, net, clock, 2)
	enqueue(t, q, http.MethodPost, "https://api.collectr.test/api/items", `{}`)

	rep, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retained)

	clock.Advance(time.Hour)
	rep, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DeadLettered)

	pending, dead, err := q.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, 1, dead)

	rows, err := q.Store().DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, rows[0].LastStatus)
}

func TestDrain_ClientErrorDeadLettersImmediately(t *testing.T) {
	net := newFakeNet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/items/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	q := newTestQueue(t, net, newFakeClock(), 5)
	enqueue(t, q, http.MethodDelete, "https://api.collectr.test/api/items/gone", "")
	enqueue(t, q, http.MethodDelete, "https://api.collectr.test/api/items/ok", "")

	rep, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Replayed: 1, DeadLettered: 1}, rep)

	dead, err := q.Store().DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "https://api.collectr.test/api/items/gone", dead[0].URL)
}

func TestDrain_StopsOnCanceledContext(t *testing.T) {
	q := newTestQueue(t, newFakeNet(appShell()), newFakeClock(), 3)
	enqueue(t, q, http.MethodPost, "https://api.collectr.test/api/items", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	pending, _, err := q.Store().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

type recordingRegistrar struct{ tags []string }

func (r *recordingRegistrar) RegisterSync(tag string) error {
	r.tags = append(r.tags, tag)
	return nil
}

func TestEnqueue_RequestsSync(t *testing.T) {
	q := newTestQueue(t, newFakeNet(appShell()), newFakeClock(), 3)
	reg := &recordingRegistrar{}
	q.SetRegistrar(reg)

	enqueue(t, q, http.MethodPost, "https://api.collectr.test/api/items", `{}`)
	assert.Equal(t, []string{DefaultSyncTag}, reg.tags)
}
