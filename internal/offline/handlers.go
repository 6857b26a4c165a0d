package offline

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const maxControlBody = 1 << 20

// Handler serves the intercepting proxy on every path, plus the /__sw/
// control endpoints and /metrics.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /__sw/install", s.handleInstall)
	mux.HandleFunc("POST /__sw/activate", s.handleActivate)
	mux.HandleFunc("POST /__sw/sync", s.handleSync)
	mux.HandleFunc("GET /__sw/queue", s.handleQueue)
	mux.HandleFunc("GET /__sw/queue/dead", s.handleDead)
	mux.HandleFunc("POST /__sw/queue/dead/requeue", s.handleRequeue)
	mux.HandleFunc("POST /__sw/push", s.handlePush)
	mux.HandleFunc("POST /__sw/notificationclick", s.handleNotificationClick)
	mux.HandleFunc("POST /__sw/subscribe", s.handleSubscribe)
	mux.HandleFunc("DELETE /__sw/subscribe", s.handleUnsubscribe)
	mux.HandleFunc("GET /__sw/subscriptions", s.handleSubscriptions)
	if s.cfg.MetricsEnabled() && s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", s.handleIntercept)
	return mux
}

// resolve turns an incoming request into the absolute URL it targets.
// Absolute-form requests are taken as is; paths under the backend prefix go
// to the backend, everything else to the origin.
func (s *Service) resolve(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		return r.URL, nil
	}
	base := s.cfg.Server.Origin
	if strings.HasPrefix(r.URL.Path, s.cfg.Server.BackendPrefix) {
		base = s.cfg.Server.Backend
	}
	return url.Parse(base + r.URL.RequestURI())
}

func (s *Service) handleIntercept(w http.ResponseWriter, r *http.Request) {
	target, err := s.resolve(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	in := r.Clone(r.Context())
	in.URL = target
	in.Host = target.Host
	in.RequestURI = ""

	resp, err := s.OnIntercept(in)
	if err != nil {
		s.log.Debug("intercept failed", zap.String("method", r.Method), zap.String("url", target.String()), zap.Error(err))
		setCacheStatus(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if _, skip := skipHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Service) handleInstall(w http.ResponseWriter, r *http.Request) {
	rep, err := s.OnInstall(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleActivate(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.OnActivate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bucket": s.cfg.Cache.Version, "deleted": deleted})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = s.cfg.Sync.Tag
	}
	if err := s.OnSyncTag(r.Context(), tag); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	rows, err := s.queue.Store().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": nonNil(rows)})
}

func (s *Service) handleDead(w http.ResponseWriter, r *http.Request) {
	rows, err := s.queue.Store().DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead": nonNil(rows)})
}

func (s *Service) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("id must be a positive integer"))
		return
	}
	p, err := s.queue.Store().Requeue(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = s.sync.RegisterSync(s.cfg.Sync.Tag)
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.OnPush(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var n Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": NotificationTarget(n)})
}

func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub PushSubscription
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dup, err := s.Subscribe(sub)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	code := http.StatusCreated
	if dup {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]bool{"duplicate": dup})
}

func (s *Service) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, errors.New("endpoint is required"))
		return
	}
	if err := s.Unsubscribe(endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs, err := s.Subscriptions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if subs == nil {
		subs = []PushSubscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func nonNil(rows []PendingRequest) []PendingRequest {
	if rows == nil {
		return []PendingRequest{}
	}
	return rows
}
