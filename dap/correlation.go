package dap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dapper-dbg/dapper/util/waitmap"
	"github.com/sirupsen/logrus"
)

// gracePeriod bounds the cross-context fallback strategy for
// delivering a result after its owner context has shut down.
const gracePeriod = 250 * time.Millisecond

// Scheduler posts a function to run on a session's single-threaded
// cooperative execution context. The
// Server (server.go) implements this via its internal dispatch loop;
// tests can supply a trivial synchronous Scheduler.
type Scheduler interface {
	// Post schedules fn to run on the owner context. It returns false
	// if the owner context has already shut down, in which case fn is
	// not invoked.
	Post(fn func()) bool
}

type pendingEntry struct {
	command   string
	createdAt time.Time
	resultCh  chan pendingResult
	timer     *time.Timer
	fulfilled atomic.Bool
}

type pendingResult struct {
	resp any
	err  error
}

// CorrelationRegistry is the pending-request map for engine commands:
// it hands out correlation ids for commands sent to an engine backend
// and matches the asynchronous responses back to the caller that is
// awaiting them, regardless of which goroutine the response arrives
// on.
type CorrelationRegistry struct {
	scheduler Scheduler

	mu      sync.Mutex
	pending map[int64]*pendingEntry
	nextID  atomic.Int64

	fallback *waitmap.Map
}

// NewCorrelationRegistry builds a registry whose owner context is
// represented by scheduler.
func NewCorrelationRegistry(scheduler Scheduler) *CorrelationRegistry {
	return &CorrelationRegistry{
		scheduler: scheduler,
		pending:   make(map[int64]*pendingEntry),
		fallback:  waitmap.New(),
	}
}

// Register allocates a correlation id for command and returns a wait
// function the caller invokes to block for the result. If timeout is
// non-zero, the pending entry fails with a Timeout error once it
// elapses.
func (r *CorrelationRegistry) Register(command string, timeout time.Duration) (id int64, wait func(ctx context.Context) (any, error)) {
	id = r.nextID.Add(1)
	entry := &pendingEntry{
		command:   command,
		createdAt: time.Now(),
		resultCh:  make(chan pendingResult, 1),
	}

	r.mu.Lock()
	r.pending[id] = entry
	r.mu.Unlock()

	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() {
			r.Fail(id, newError(KindTimeout, fmt.Sprintf("command %q timed out", command), nil))
		})
	}

	wait = func(ctx context.Context) (any, error) {
		select {
		case res := <-entry.resultCh:
			return res.resp, res.err
		case <-ctx.Done():
			r.Fail(id, newError(KindTimeout, "caller context canceled", ctx.Err()))
			return nil, ctx.Err()
		}
	}
	return id, wait
}

// Fulfill completes a pending request with a response. It implements
// a three-tier delivery strategy: first try delivering on the
// owner context; if the owner has shut down, fall back to a
// bounded-grace cross-context handoff; as a last resort deliver on
// the caller's own goroutine.
func (r *CorrelationRegistry) Fulfill(id int64, resp any) {
	r.complete(id, pendingResult{resp: resp})
}

// Fail completes a pending request with an error.
func (r *CorrelationRegistry) Fail(id int64, err error) {
	r.complete(id, pendingResult{err: err})
}

func (r *CorrelationRegistry) complete(id int64, res pendingResult) {
	r.mu.Lock()
	entry := r.pending[id]
	if entry != nil {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if entry == nil {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if !entry.fulfilled.CompareAndSwap(false, true) {
		return
	}

	deliver := func() { entry.resultCh <- res }

	if r.scheduler != nil && r.scheduler.Post(deliver) {
		return
	}

	// Owner context is gone or declined to run the handoff. Fall back
	// to a bounded cross-context rendezvous before giving up and
	// delivering best-effort on the current goroutine.
	key := fmt.Sprintf("req-%d", id)
	r.fallback.Set(key, res)
	ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	if _, err := r.fallback.Get(ctx, key); err != nil {
		logrus.WithField("id", id).Debug("correlation: grace period expired, delivering best-effort")
	}
	deliver()
}

// Shutdown fails every outstanding pending request exactly once
//. It is safe to call multiple times.
func (r *CorrelationRegistry) Shutdown(cause error) {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	if cause == nil {
		cause = newError(KindTransport, "session shutdown", nil)
	}
	for _, id := range ids {
		r.Fail(id, cause)
	}
}

// Len reports the number of outstanding pending requests, used by
// tests to assert that nothing is leaked once a session winds down.
func (r *CorrelationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
