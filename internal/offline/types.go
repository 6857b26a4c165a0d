package offline

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound         = errors.New("offline: not found")
	ErrQueueUnavailable = errors.New("offline: pending-write queue unavailable")
	// ErrBucketMissing is a kind of ErrNotFound: nothing can match in a
	// bucket that was never opened or has been deleted.
	ErrBucketMissing = fmt.Errorf("%w: cache bucket does not exist", ErrNotFound)
)

// CachedResponse is a response snapshot stored in a cache bucket under its
// request URL.
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
	Bucket   string
}

// PendingRequest is a mutation that failed to reach the backend and waits
// for replay. URL, Method, Header, Body and CreatedAt never change after
// Enqueue; the remaining fields track delivery.
type PendingRequest struct {
	ID        uint64            `json:"id"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Header    map[string]string `json:"headers"`
	Body      string            `json:"body"`
	CreatedAt int64             `json:"timestamp"` // epoch millis

	IdempotencyKey string `json:"idempotencyKey"`
	Attempts       int    `json:"attempts"`
	NextAttemptAt  int64  `json:"nextAttemptAt,omitempty"` // epoch millis
	LastError      string `json:"lastError,omitempty"`
	LastStatus     int    `json:"lastStatus,omitempty"`
}

func (p PendingRequest) due(now time.Time) bool {
	return p.NextAttemptAt == 0 || p.NextAttemptAt <= now.UnixMilli()
}

// InstallReport lists the precache outcome per path.
type InstallReport struct {
	Bucket string            `json:"bucket"`
	Stored []string          `json:"stored"`
	Failed map[string]string `json:"failed,omitempty"`
}

// DrainReport summarizes one pass over the queue.
type DrainReport struct {
	Replayed     int `json:"replayed"`
	Retained     int `json:"retained"`
	DeadLettered int `json:"deadLettered"`
	Skipped      int `json:"skipped"`
}

// deferredBody is returned to the caller when a mutation is queued.
type deferredBody struct {
	Offline bool   `json:"offline"`
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
	ID      uint64 `json:"id,omitempty"`
}
