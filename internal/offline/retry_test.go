package offline

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyReplay(t *testing.T) {
	cases := []struct {
		status int
		err    error
		want   replayOutcome
	}{
		{0, errors.New("connection refused"), replayTransient},
		{http.StatusOK, nil, replayDelivered},
		{http.StatusCreated, nil, replayDelivered},
		{http.StatusFound, nil, replayDelivered},
		{http.StatusRequestTimeout, nil, replayTransient},
		{http.StatusTooManyRequests, nil, replayTransient},
		{http.StatusBadGateway, nil, replayTransient},
		{http.StatusBadRequest, nil, replayRejected},
		{http.StatusNotFound, nil, replayRejected},
		{http.StatusConflict, nil, replayRejected},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classifyReplay(c.status, c.err), "status %d", c.status)
	}
}

func TestBackoffPolicy(t *testing.T) {
	b := backoffPolicy{initial: time.Second, max: 10 * time.Second, maxAttempts: 4}

	assert.Equal(t, time.Second, b.delay(1))
	assert.Equal(t, 2*time.Second, b.delay(2))
	assert.Equal(t, 8*time.Second, b.delay(4))
	assert.Equal(t, 10*time.Second, b.delay(9))

	assert.False(t, b.exhausted(3))
	assert.True(t, b.exhausted(4))
	assert.False(t, backoffPolicy{}.exhausted(100))
}
