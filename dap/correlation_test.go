package dap

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncScheduler runs posted functions immediately on the calling
// goroutine, modeling the common case where the fulfiller already is
// the owner context.
type syncScheduler struct {
	shutdown bool
}

func (s *syncScheduler) Post(fn func()) bool {
	if s.shutdown {
		return false
	}
	fn()
	return true
}

func TestCorrelationRegistryFulfill(t *testing.T) {
	r := NewCorrelationRegistry(&syncScheduler{})

	id, wait := r.Register("evaluate", 0)
	want := &dap.EvaluateResponse{Response: dap.Response{RequestSeq: 1}}
	r.Fulfill(id, want)

	got, err := wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 0, r.Len())
}

func TestCorrelationRegistryTimeout(t *testing.T) {
	r := NewCorrelationRegistry(&syncScheduler{})

	_, wait := r.Register("evaluate", 10*time.Millisecond)
	_, err := wait(context.Background())
	require.Error(t, err)
	assert.True(t, TimedOut(err))
}

func TestCorrelationRegistryShutdownCompletesEveryPendingExactlyOnce(t *testing.T) {
	r := NewCorrelationRegistry(&syncScheduler{})

	var waits []func(context.Context) (any, error)
	for i := 0; i < 5; i++ {
		_, wait := r.Register("continue", 0)
		waits = append(waits, wait)
	}
	require.Equal(t, 5, r.Len())

	r.Shutdown(nil)
	assert.Equal(t, 0, r.Len())

	for _, wait := range waits {
		_, err := wait(context.Background())
		require.Error(t, err)
	}

	// A second Shutdown must be a no-op, not a double-delivery.
	r.Shutdown(nil)
}

func TestCorrelationRegistryFallsBackWhenSchedulerDeclines(t *testing.T) {
	sched := &syncScheduler{shutdown: true}
	r := NewCorrelationRegistry(sched)

	id, wait := r.Register("pause", 0)
	r.Fulfill(id, &dap.PauseResponse{})

	got, err := wait(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
}
