package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Lifecycle is the set of hooks a host environment drives.
type Lifecycle interface {
	OnInstall(ctx context.Context) (InstallReport, error)
	OnActivate(ctx context.Context) ([]string, error)
	OnIntercept(r *http.Request) (*http.Response, error)
	OnSyncTag(ctx context.Context, tag string) error
	OnPush(ctx context.Context, payload []byte) (Notification, error)
}

var _ Lifecycle = (*Service)(nil)

// Options carries the collaborators a Service does not build from Config.
// Zero values get production defaults.
type Options struct {
	Fetcher  Fetcher
	Queue    QueueStore
	Logger   *zap.Logger
	Metrics  *Metrics
	Notifier Notifier
	Now      func() time.Time
}

// Cache status values reported in the X-Collectr-Cache header.
const (
	statusHit      = "hit"
	statusMiss     = "miss"
	statusNetwork  = "network"
	statusFallback = "fallback"
	statusOffline  = "offline"
	statusBypass   = "bypass"
	statusQueued   = "queued"
)

type Service struct {
	cfg Config

	fetch    Fetcher
	buckets  *bucketStore
	subs     *subscriptionStore
	queue    *Queue
	sync     *syncManager
	notifier Notifier

	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
	stats   *statsCollector

	flights singleflight.Group

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(ctx context.Context, cfg Config, opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Fetcher == nil {
		opts.Fetcher = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Notifier == nil {
		opts.Notifier = logNotifier{log: opts.Logger.Named("push")}
	}
	log := opts.Logger

	ram := newRAMCache(cfg.ramMax, newRateLimitedLogger(log.Named("cache"), time.Minute))
	buckets, err := newBucketStore(cfg.Cache.Path, ram)
	if err != nil {
		return nil, err
	}

	store := opts.Queue
	if store == nil {
		switch cfg.Queue.Driver {
		case "redis":
			store, err = dialRedisQueue(ctx, cfg)
		default:
			store, err = NewLevelQueue(cfg.Queue.Path)
		}
		if err != nil {
			_ = buckets.Close()
			return nil, err
		}
	}

	s := &Service{
		cfg:      cfg,
		fetch:    opts.Fetcher,
		buckets:  buckets,
		subs:     &subscriptionStore{db: buckets.db},
		notifier: opts.Notifier,
		log:      log,
		metrics:  opts.Metrics,
		now:      opts.Now,
		stopCh:   make(chan struct{}),
	}
	s.queue = NewQueue(store, opts.Fetcher, QueueOptions{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffInitial: cfg.backoffInitial,
		BackoffMax:     cfg.backoffMax,
		SyncTag:        cfg.Sync.Tag,
		Now:            opts.Now,
		Logger:         log,
		Metrics:        opts.Metrics,
	})
	s.sync = newSyncManager(cfg, s.queue, opts.Fetcher, log, opts.Metrics, s.stopCh)
	s.queue.SetRegistrar(s.sync)

	if cfg.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}
	return s, nil
}

// Start launches the connectivity prober, the stats loop and the startup
// drain. It returns immediately.
func (s *Service) Start() {
	if s.cfg.SyncEnabled() && s.cfg.probeEvery > 0 {
		s.goLoop(func() { s.sync.loop(s.stopCh, s.cfg.probeEvery) })
	}
	if s.stats != nil {
		s.goLoop(func() { s.statsLoop(s.cfg.logStatsEveryDur) })
	}
	if s.cfg.Sync.DrainOnStart != nil && *s.cfg.Sync.DrainOnStart {
		s.goLoop(s.drainOnStart)
	}
}

func (s *Service) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) drainOnStart() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	pending, _, err := s.queue.Store().Count(ctx)
	if err != nil || pending == 0 {
		return
	}
	s.log.Info("replaying requests queued before start", zap.Int("pending", pending))
	if err := s.OnSyncTag(ctx, s.cfg.Sync.Tag); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errSyncStopped) {
		s.log.Warn("startup drain failed", zap.Error(err))
	}
}

func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.sync.shutdown()
		err = errors.Join(s.queue.Store().Close(), s.buckets.Close())
	})
	return err
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) Queue() *Queue { return s.queue }

// OnInstall opens the current bucket and precaches the shell. A failing
// asset is reported and logged but does not fail the install; only a bucket
// that cannot be opened does.
func (s *Service) OnInstall(ctx context.Context) (InstallReport, error) {
	version := s.cfg.Cache.Version
	rep := InstallReport{Bucket: version, Failed: map[string]string{}}
	if err := s.buckets.Open(version); err != nil {
		return rep, fmt.Errorf("open bucket %s: %w", version, err)
	}

	for _, p := range s.cfg.Cache.Precache {
		target := p
		if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
			target = s.cfg.originRef(p)
		}
		if err := s.precacheOne(ctx, version, target); err != nil {
			rep.Failed[p] = err.Error()
			s.metrics.observeInstallFailure()
			s.log.Warn("precache failed", zap.String("path", p), zap.Error(err))
			continue
		}
		rep.Stored = append(rep.Stored, p)
	}
	if len(rep.Failed) == 0 {
		rep.Failed = nil
	}
	s.log.Info("install complete", zap.String("bucket", version),
		zap.Int("stored", len(rep.Stored)), zap.Int("failed", len(rep.Failed)))
	return rep, nil
}

func (s *Service) precacheOne(ctx context.Context, bucket, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	ent, _, err := s.fetchEntry(req)
	if err != nil {
		return err
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return fmt.Errorf("unexpected status %d", ent.Status)
	}
	return s.buckets.Put(bucket, target, ent)
}

// OnActivate removes every bucket except the current one and returns the
// names it deleted.
func (s *Service) OnActivate(_ context.Context) ([]string, error) {
	version := s.cfg.Cache.Version
	if err := s.buckets.Open(version); err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", version, err)
	}
	names, err := s.buckets.Names()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, n := range names {
		if n == version {
			continue
		}
		if err := s.buckets.Delete(n); err != nil {
			return deleted, fmt.Errorf("delete bucket %s: %w", n, err)
		}
		deleted = append(deleted, n)
		s.log.Info("deleted stale cache bucket", zap.String("bucket", n))
	}
	return deleted, nil
}

// OnIntercept handles one request whose URL is absolute. Errors mean the
// network failed and nothing could be served in its place.
func (s *Service) OnIntercept(r *http.Request) (*http.Response, error) {
	if r.URL == nil || !r.URL.IsAbs() {
		return nil, fmt.Errorf("intercept: absolute URL required")
	}
	backend := s.cfg.IsBackend(r.URL)

	switch {
	case r.Method == http.MethodGet && backend:
		return s.passThrough(r, "backend")
	case r.Method == http.MethodGet && s.cfg.IsStatic(r.URL):
		return s.cacheFirst(r)
	case r.Method == http.MethodGet:
		return s.networkFirst(r)
	case backend && isMutation(r.Method):
		return s.sendOrQueue(r)
	}
	return s.passThrough(r, "native")
}

func (s *Service) OnSyncTag(ctx context.Context, tag string) error {
	return s.sync.Fire(ctx, tag)
}

// OnPush renders a push payload through the configured Notifier.
func (s *Service) OnPush(ctx context.Context, payload []byte) (Notification, error) {
	n, err := parsePush(payload, pushDefaults{
		Title: s.cfg.Push.Title,
		Icon:  s.cfg.Push.Icon,
		Badge: s.cfg.Push.Badge,
	})
	if err != nil {
		return Notification{}, err
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		return n, fmt.Errorf("notify: %w", err)
	}
	return n, nil
}

// Subscribe records a push subscription. Re-subscribing an endpoint
// replaces its keys and reports duplicate=true.
func (s *Service) Subscribe(sub PushSubscription) (duplicate bool, err error) {
	sub.UpdatedAt = s.now().UTC()
	duplicate, err = s.subs.Save(sub)
	if err != nil {
		return false, err
	}
	if duplicate {
		s.log.Info("push subscription refreshed", zap.String("endpoint", sub.Endpoint))
	}
	return duplicate, nil
}

func (s *Service) Subscriptions() ([]PushSubscription, error) { return s.subs.List() }

func (s *Service) Unsubscribe(endpoint string) error {
	if err := s.subs.Remove(endpoint); err != nil {
		return err
	}
	s.log.Info("push subscription removed", zap.String("endpoint", endpoint))
	return nil
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (s *Service) passThrough(r *http.Request, strategy string) (*http.Response, error) {
	out, err := outbound(r, r.Body)
	if err != nil {
		return nil, err
	}
	resp, err := s.fetch.Do(out)
	if err != nil {
		s.metrics.observeIntercept(strategy, "error")
		return nil, err
	}
	s.metrics.observeIntercept(strategy, statusBypass)
	setCacheStatus(resp.Header, statusBypass)
	return resp, nil
}

func (s *Service) cacheFirst(r *http.Request) (*http.Response, error) {
	version := s.cfg.Cache.Version
	key := r.URL.String()

	ent, err := s.buckets.Match(version, key)
	if err == nil {
		s.observe("cache-first", statusHit, ent)
		return entryResponse(r, ent, statusHit), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ctx := context.WithoutCancel(r.Context())
	v, err, _ := s.flights.Do(key, func() (any, error) {
		out, err := outbound(r.WithContext(ctx), nil)
		if err != nil {
			return CachedResponse{}, err
		}
		fresh, cacheable, err := s.fetchEntry(out)
		if err != nil {
			return CachedResponse{}, err
		}
		if cacheable {
			if err := s.buckets.Put(version, key, fresh); err != nil {
				s.log.Warn("cache put failed", zap.String("url", key), zap.Error(err))
			}
		}
		return fresh, nil
	})
	if err != nil {
		s.metrics.observeIntercept("cache-first", "error")
		return nil, err
	}
	fresh := v.(CachedResponse)
	s.observe("cache-first", statusMiss, fresh)
	return entryResponse(r, fresh, statusMiss), nil
}

func (s *Service) networkFirst(r *http.Request) (*http.Response, error) {
	version := s.cfg.Cache.Version
	key := r.URL.String()

	out, err := outbound(r, nil)
	if err != nil {
		return nil, err
	}
	fresh, cacheable, ferr := s.fetchEntry(out)
	if ferr == nil {
		if cacheable {
			if err := s.buckets.Put(version, key, fresh); err != nil {
				s.log.Warn("cache put failed", zap.String("url", key), zap.Error(err))
			}
		}
		s.observe("network-first", statusNetwork, fresh)
		return entryResponse(r, fresh, statusNetwork), nil
	}

	if ent, err := s.buckets.Match(version, key); err == nil {
		s.observe("network-first", statusFallback, ent)
		return entryResponse(r, ent, statusFallback), nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if ent, err := s.buckets.Match(version, s.cfg.originRef(s.cfg.Cache.OfflinePage)); err == nil {
		s.observe("network-first", statusOffline, ent)
		return entryResponse(r, ent, statusOffline), nil
	}

	s.metrics.observeIntercept("network-first", "error")
	s.log.Debug("navigation failed with nothing cached", zap.String("url", key), zap.Error(ferr))
	return textResponse(r, http.StatusServiceUnavailable, "offline", statusOffline), nil
}

// sendOrQueue tries the backend; when the network is unreachable the
// request is persisted and the caller gets 202.
func (s *Service) sendOrQueue(r *http.Request) (*http.Response, error) {
	body, err := snapshotBody(r)
	if err != nil {
		return nil, err
	}
	out, err := outbound(r, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, ferr := s.fetch.Do(out)
	if ferr == nil {
		s.metrics.observeIntercept("queue-on-failure", statusNetwork)
		setCacheStatus(resp.Header, statusNetwork)
		return resp, nil
	}
	if cerr := r.Context().Err(); cerr != nil {
		return nil, ferr
	}

	p, qerr := s.queue.Enqueue(r.Context(), r)
	if qerr != nil {
		s.metrics.observeIntercept("queue-on-failure", "dropped")
		return jsonResponse(r, http.StatusServiceUnavailable, deferredBody{
			Offline: true,
			Message: "You are offline and the change could not be saved. Please try again.",
		}, statusOffline), nil
	}
	s.metrics.observeIntercept("queue-on-failure", statusQueued)
	return jsonResponse(r, http.StatusAccepted, deferredBody{
		Offline: true,
		Queued:  true,
		Message: "You are offline. The change was saved and will sync when the connection returns.",
		ID:      p.ID,
	}, statusQueued), nil
}

func (s *Service) observe(strategy, status string, ent CachedResponse) {
	s.metrics.observeIntercept(strategy, status)
	if s.stats != nil {
		s.stats.Observe(len(ent.Body))
	}
}

// fetchEntry performs req and snapshots the response. cacheable is false
// for non-2xx and no-store responses.
func (s *Service) fetchEntry(req *http.Request) (CachedResponse, bool, error) {
	resp, err := s.fetch.Do(req)
	if err != nil {
		return CachedResponse{}, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, false, err
	}

	ent := CachedResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: s.now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	if ent.Header == nil {
		ent.Header = http.Header{}
	}
	ent.Header.Del("Content-Length")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ent, false, nil
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return ent, !strings.Contains(cc, "no-store"), nil
}

// outbound copies r into a client request aimed at r.URL.
func outbound(r *http.Request, body io.Reader) (*http.Request, error) {
	if body == http.NoBody {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	return req, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, skip := skipHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func entryResponse(r *http.Request, ent CachedResponse, status string) *http.Response {
	h := ent.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	setCacheStatus(h, status)
	h.Set("Content-Length", strconv.Itoa(len(ent.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", ent.Status, http.StatusText(ent.Status)),
		StatusCode:    ent.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(ent.Body)),
		ContentLength: int64(len(ent.Body)),
		Request:       r,
	}
}

func jsonResponse(r *http.Request, code int, v any, status string) *http.Response {
	b, _ := json.Marshal(v)
	return entryResponse(r, CachedResponse{
		Status: code,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   b,
	}, status)
}

func textResponse(r *http.Request, code int, msg, status string) *http.Response {
	return entryResponse(r, CachedResponse{
		Status: code,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(msg),
	}, status)
}

func setCacheStatus(h http.Header, status string) {
	if status != "" {
		h.Set("X-Collectr-Cache", status)
	}
	// Browsers hide custom headers from cross-origin JS unless exposed.
	ensureExposedHeader(h, "X-Collectr-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
