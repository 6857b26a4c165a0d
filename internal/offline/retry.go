package offline

import (
	"net/http"
	"time"
)

type replayOutcome int

const (
	replayDelivered replayOutcome = iota
	replayTransient
	replayRejected
)

func (o replayOutcome) String() string {
	switch o {
	case replayDelivered:
		return "delivered"
	case replayTransient:
		return "transient"
	case replayRejected:
		return "rejected"
	}
	return "unknown"
}

// classifyReplay maps a replay result to what the queue does with the row.
// A transport error or a server-side/throttling status is worth retrying;
// any other 4xx will never succeed and goes to the dead-letter list.
func classifyReplay(status int, err error) replayOutcome {
	if err != nil {
		return replayTransient
	}
	switch {
	case status >= 200 && status < 400:
		return replayDelivered
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return replayTransient
	}
	return replayRejected
}

// backoffPolicy doubles the delay per attempt, capped at max.
type backoffPolicy struct {
	initial     time.Duration
	max         time.Duration
	maxAttempts int
}

func (b backoffPolicy) delay(attempts int) time.Duration {
	if attempts <= 1 || b.initial <= 0 {
		return b.initial
	}
	d := b.initial
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

func (b backoffPolicy) exhausted(attempts int) bool {
	return b.maxAttempts > 0 && attempts >= b.maxAttempts
}
