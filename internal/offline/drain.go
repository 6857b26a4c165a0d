package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(req *http.Request) (*http.Response, error)

func (f FetchFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// SyncRegistrar asks the host for a future replay opportunity.
type SyncRegistrar interface {
	RegisterSync(tag string) error
}

// Queue persists failed mutations and replays them.
type Queue struct {
	store   QueueStore
	fetch   Fetcher
	policy  backoffPolicy
	tag     string
	now     func() time.Time
	log     *zap.Logger
	metrics *Metrics

	registrar SyncRegistrar

	drainMu sync.Mutex
}

type QueueOptions struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	SyncTag        string
	Now            func() time.Time
	Logger         *zap.Logger
	Metrics        *Metrics
}

func NewQueue(store QueueStore, fetch Fetcher, opts QueueOptions) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SyncTag == "" {
		opts.SyncTag = DefaultSyncTag
	}
	return &Queue{
		store: store,
		fetch: fetch,
		policy: backoffPolicy{
			initial:     opts.BackoffInitial,
			max:         opts.BackoffMax,
			maxAttempts: opts.MaxAttempts,
		},
		tag:     opts.SyncTag,
		now:     opts.Now,
		log:     opts.Logger.Named("queue"),
		metrics: opts.Metrics,
	}
}

// SetRegistrar wires the background-sync host. A nil registrar leaves
// replay to the next explicit drain.
func (q *Queue) SetRegistrar(r SyncRegistrar) { q.registrar = r }

func (q *Queue) Store() QueueStore { return q.store }

// Enqueue persists r for later replay. The body is read and restored so the
// caller can still use r afterwards.
func (q *Queue) Enqueue(ctx context.Context, r *http.Request) (PendingRequest, error) {
	body, err := snapshotBody(r)
	if err != nil {
		return PendingRequest{}, fmt.Errorf("%w: read body: %v", ErrQueueUnavailable, err)
	}

	p := PendingRequest{
		URL:       r.URL.String(),
		Method:    r.Method,
		Header:    flattenHeader(r.Header),
		Body:      string(body),
		CreatedAt: q.now().UnixMilli(),
	}
	p.IdempotencyKey = r.Header.Get(idempotencyHeader)
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = uuid.New().String()
	}

	stored, err := q.store.Add(ctx, p)
	if err != nil {
		q.log.Error("failed to queue request, mutation dropped",
			zap.String("method", p.Method), zap.String("url", p.URL), zap.Error(err))
		q.metrics.observeEnqueue(false)
		return PendingRequest{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	p = stored
	q.metrics.observeEnqueue(true)
	q.log.Info("request queued for sync",
		zap.Uint64("id", p.ID), zap.String("method", p.Method), zap.String("url", p.URL))

	if q.registrar == nil {
		return p, nil
	}
	if err := q.registrar.RegisterSync(q.tag); err != nil {
		q.log.Debug("background sync unavailable, replay waits for next start",
			zap.String("tag", q.tag), zap.Error(err))
	}
	return p, nil
}

// Drain replays every due row in insertion order. A failing row never stops
// the pass; it is kept for the next drain or moved to the dead-letter list
// once it exhausts its attempts.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var rep DrainReport
	rows, err := q.store.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list queued requests: %w", err)
	}

	for _, p := range rows {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		now := q.now()
		if !p.due(now) {
			rep.Skipped++
			continue
		}

		status, rerr := q.replay(ctx, p)
		outcome := classifyReplay(status, rerr)
		q.metrics.observeReplay(outcome)

		if outcome == replayDelivered {
			if err := q.store.Delete(ctx, p.ID); err != nil {
				q.log.Error("replayed but could not delete row", zap.Uint64("id", p.ID), zap.Error(err))
			}
			rep.Replayed++
			q.log.Info("replayed queued request",
				zap.Uint64("id", p.ID), zap.String("method", p.Method), zap.String("url", p.URL), zap.Int("status", status))
			continue
		}

		p.Attempts++
		p.LastStatus = status
		if rerr != nil {
			p.LastError = rerr.Error()
		} else {
			p.LastError = http.StatusText(status)
		}

		if outcome == replayRejected || q.policy.exhausted(p.Attempts) {
			if err := q.store.Bury(ctx, p); err != nil {
				q.log.Error("failed to dead-letter row", zap.Uint64("id", p.ID), zap.Error(err))
				rep.Retained++
				continue
			}
			rep.DeadLettered++
			q.log.Warn("queued request dead-lettered",
				zap.Uint64("id", p.ID), zap.String("method", p.Method), zap.String("url", p.URL),
				zap.Int("attempts", p.Attempts), zap.String("reason", p.LastError))
			continue
		}

		p.NextAttemptAt = now.Add(q.policy.delay(p.Attempts)).UnixMilli()
		if err := q.store.Update(ctx, p); err != nil {
			q.log.Error("failed to record replay attempt", zap.Uint64("id", p.ID), zap.Error(err))
		}
		rep.Retained++
		q.log.Warn("replay failed, kept for next sync",
			zap.Uint64("id", p.ID), zap.Int("attempts", p.Attempts), zap.String("reason", p.LastError))
	}

	if pending, dead, err := q.store.Count(ctx); err == nil {
		q.metrics.setQueueDepth(pending, dead)
	}
	return rep, nil
}

func (q *Queue) replay(ctx context.Context, p PendingRequest) (int, error) {
	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return 0, err
	}
	for k, v := range p.Header {
		req.Header.Set(k, v)
	}
	if req.Header.Get(idempotencyHeader) == "" && p.IdempotencyKey != "" {
		req.Header.Set(idempotencyHeader, p.IdempotencyKey)
	}

	resp, err := q.fetch.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// snapshotBody reads r.Body and puts an unread copy back.
func snapshotBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
	return b, nil
}

var skipHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Length":    {},
	"Host":              {},
	"Keep-Alive":        {},
	"Te":                {},
	"Trailer":           {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		ck := http.CanonicalHeaderKey(k)
		if _, skip := skipHeaders[ck]; skip || len(vs) == 0 {
			continue
		}
		out[ck] = strings.Join(vs, ", ")
	}
	return out
}
