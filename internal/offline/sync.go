package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	errSyncDisabled = errors.New("background sync is disabled")
	errSyncStopped  = errors.New("sync manager is shut down")
)

// syncManager plays the host's background-sync role: it remembers
// registered tags and fires them once the backend answers a probe.
type syncManager struct {
	tag      string
	enabled  bool
	probeURL string

	queue   *Queue
	fetch   Fetcher
	log     *zap.Logger
	metrics *Metrics

	flights  singleflight.Group
	probeLog *rateLimitedLogger
	stop     <-chan struct{}
	running  sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	// gens counts registrations per tag. A drain only clears a tag that was
	// not registered again while it ran.
	gens   map[string]uint64
	online bool
	known  bool
	closed bool
}

type drainResult struct {
	rep DrainReport
	gen uint64
}

func newSyncManager(cfg Config, q *Queue, fetch Fetcher, log *zap.Logger, m *Metrics, stop <-chan struct{}) *syncManager {
	log = log.Named("sync")
	return &syncManager{
		tag:      cfg.Sync.Tag,
		enabled:  cfg.SyncEnabled(),
		probeURL: cfg.Server.Backend + cfg.Sync.ProbePath,
		queue:    q,
		fetch:    fetch,
		log:      log,
		metrics:  m,
		probeLog: newRateLimitedLogger(log, 5*time.Minute),
		stop:     stop,
		pending:  map[string]struct{}{},
		gens:     map[string]uint64{},
	}
}

func (m *syncManager) RegisterSync(tag string) error {
	if !m.enabled {
		return errSyncDisabled
	}
	m.mu.Lock()
	m.pending[tag] = struct{}{}
	m.gens[tag]++
	m.mu.Unlock()
	return nil
}

func (m *syncManager) Registered(tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[tag]
	return ok
}

// Fire runs the drain behind tag and blocks until it is done or ctx ends.
// Concurrent calls for the same tag share a single drain, which runs
// detached from any one caller and stops only when the manager shuts down.
// Unknown tags are ignored.
func (m *syncManager) Fire(ctx context.Context, tag string) error {
	if tag != m.tag {
		m.log.Debug("ignoring unknown sync tag", zap.String("tag", tag))
		m.metrics.observeSync("ignored")
		return nil
	}

	ch := m.flights.DoChan(tag, func() (any, error) {
		if !m.begin() {
			return drainResult{}, errSyncStopped
		}
		defer m.running.Done()
		dctx, cancel := m.detach(ctx)
		defer cancel()

		gen := m.generation(tag)
		rep, err := m.queue.Drain(dctx)
		return drainResult{rep: rep, gen: gen}, err
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		m.metrics.observeSync("error")
		m.log.Warn("sync drain failed", zap.String("tag", tag), zap.Error(res.Err))
		return res.Err
	}
	r := res.Val.(drainResult)
	m.metrics.observeSync("ok")
	if !res.Shared {
		m.log.Info("sync drain finished", zap.String("tag", tag),
			zap.Int("replayed", r.rep.Replayed), zap.Int("retained", r.rep.Retained),
			zap.Int("deadLettered", r.rep.DeadLettered), zap.Int("skipped", r.rep.Skipped))
	}

	// Rows still waiting keep the registration alive for the next probe, and
	// so does a registration made while the drain was running.
	if r.rep.Retained == 0 && r.rep.Skipped == 0 {
		m.mu.Lock()
		if m.gens[tag] == r.gen {
			delete(m.pending, tag)
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *syncManager) generation(tag string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[tag]
}

// detach returns a context that keeps ctx's values but is cancelled only by
// the stop channel or the returned cancel func.
func (m *syncManager) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if m.stop != nil {
		go func() {
			select {
			case <-m.stop:
				cancel()
			case <-dctx.Done():
			}
		}()
	}
	return dctx, cancel
}

func (m *syncManager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.running.Add(1)
	return true
}

// shutdown refuses new drains and waits for the running one to return.
func (m *syncManager) shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.running.Wait()
}

// probe reports whether the backend answered at all. Any HTTP status
// counts as reachable.
func (m *syncManager) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.fetch.Do(req)
	if err != nil {
		m.probeLog.Printf("backend unreachable: %v", err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

// tick probes once and fires the tag if a registration is pending.
func (m *syncManager) tick(ctx context.Context) {
	online := m.probe(ctx)
	m.metrics.setOnline(online)

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online, m.known = online, true
	_, due := m.pending[m.tag]
	m.mu.Unlock()

	if changed {
		m.log.Info("connectivity changed", zap.Bool("online", online))
	}
	if !online || !due {
		return
	}
	_ = m.Fire(ctx, m.tag)
}

func (m *syncManager) loop(stop <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every+time.Minute)
			done := make(chan struct{})
			go func() {
				select {
				case <-stop:
					cancel()
				case <-done:
				}
			}()
			m.tick(ctx)
			close(done)
			cancel()
		}
	}
}
