package dap

import "strings"

// defaultAsyncFrameNames is the curated set of qualified names
// recognized as event-loop bookkeeping and executor internals.
// A non-nil Configuration.AsyncFrameNames replaces this list
// per engine: the async filter names are not fixed by the protocol,
// so they are configurable rather than hardcoded to one language's
// runtime.
var defaultAsyncFrameNames = []string{
	"asyncio.base_events.BaseEventLoop._run_once",
	"asyncio.events.Handle._run",
	"asyncio.tasks.Task.__step",
	"asyncio.tasks.Task.__wakeup",
	"concurrent.futures._base.Future.__get_result",
	"executor.run_worker",
	"scheduler.dispatch",
}

// isAsyncFrame reports whether frame should be transparently skipped
// by the step predicates below.
func isAsyncFrame(frame Frame, names []string) bool {
	if frame.Async {
		return true
	}
	for _, n := range names {
		if frame.Name == n {
			return true
		}
	}
	return false
}

// stepIdentity captures the frame a step command was issued from:
// depth plus the frame's qualified name, which stands in
// for "code object identity" in a backend-agnostic way since the
// Engine contract never hands the session an actual code object.
type stepIdentity struct {
	depth int
	name  string
}

// StepPredicate decides, for one reported stop candidate (depth +
// frame name at the point of a line/call/return/opcode event), whether
// the Stop/Step Coordinator should actually surface a "stopped" event
// or let the engine keep running.
type StepPredicate func(depth int, frame Frame) bool

// NewStepPredicate builds the predicate for one step request.
// asyncNames is Configuration.AsyncFrameNames
// (or defaultAsyncFrameNames if unset).
func NewStepPredicate(mode StepMode, granularity StepGranularity, from stepIdentity, asyncNames []string) StepPredicate {
	return func(depth int, frame Frame) bool {
		if isAsyncFrame(frame, asyncNames) {
			return false
		}

		if granularity == GranularityInstruction {
			return true
		}

		switch mode {
		case StepOver:
			return depth < from.depth || (depth == from.depth && frame.Name == from.name)
		case StepIn:
			return true
		case StepOut:
			return depth < from.depth
		default:
			return true
		}
	}
}

// ExceptionPhase is the lifecycle phase of one observed exception,
// driving the exception-break state machine.
type ExceptionPhase int

const (
	ExceptionRaised ExceptionPhase = iota
	ExceptionHandled
	ExceptionUnwinding
)

// exceptionTracker implements the raised/uncaught/user_unhandled
// state machine. It is not safe for concurrent use; the
// Stop/Step Coordinator only drives it from the Session context.
type exceptionTracker struct {
	store *BreakpointStore

	// buffered holds exceptions seen while tracking "uncaught", keyed
	// by a backend-assigned exception id, cleared on a matching
	// "handled" event.
	buffered map[string]bool

	// isUserCode reports whether a source path is outside the
	// library/runtime install roots, for the user_unhandled filter.
	isUserCode func(source string) bool
}

func newExceptionTracker(store *BreakpointStore, isUserCode func(string) bool) *exceptionTracker {
	return &exceptionTracker{store: store, buffered: make(map[string]bool), isUserCode: isUserCode}
}

// Observe processes one exception lifecycle event and reports whether
// the session should break now, plus the reason string for the
// "stopped" event body.
func (e *exceptionTracker) Observe(phase ExceptionPhase, exceptionID, source string, unwoundPastUserCode bool) (shouldBreak bool, reason string) {
	switch phase {
	case ExceptionRaised:
		if e.store.MatchesException(FilterRaised) {
			return true, "exception"
		}
		if e.store.MatchesException(FilterUncaught) {
			e.buffered[exceptionID] = true
		}
		if e.store.MatchesException(FilterUserUnhandled) && e.isUserCode != nil && e.isUserCode(source) {
			e.buffered[exceptionID] = true
		}
		return false, ""
	case ExceptionHandled:
		delete(e.buffered, exceptionID)
		return false, ""
	case ExceptionUnwinding:
		if !e.buffered[exceptionID] {
			return false, ""
		}
		if unwoundPastUserCode {
			delete(e.buffered, exceptionID)
			return true, "exception"
		}
		return false, ""
	default:
		return false, ""
	}
}

// watchSnapshot holds one data breakpoint's last observed value so
// WatchpointTracker can detect a change via snapshot diffing.
type watchSnapshot struct {
	value string
	has   bool
}

// WatchpointTracker evaluates active data breakpoints on every line
// event and reports which ones changed, updating the snapshot only
// after comparison so re-entering the same line does not double-fire.
type WatchpointTracker struct {
	store  *BreakpointStore
	values map[int]watchSnapshot // DataBreakpoint.ID -> last snapshot
}

func NewWatchpointTracker(store *BreakpointStore) *WatchpointTracker {
	return &WatchpointTracker{store: store, values: make(map[int]watchSnapshot)}
}

// WatchHit describes one data breakpoint whose value changed on this
// line event and whose condition/hit_condition matched.
type WatchHit struct {
	Breakpoint *DataBreakpoint
	OldValue   string
	NewValue   string
}

// Check evaluates every registered data breakpoint via eval (typically
// Engine.Evaluate bound to the current frame) and returns the set that
// should break.
func (w *WatchpointTracker) Check(eval func(target string) (string, error), evalBool func(expr string) (bool, error)) []WatchHit {
	var hits []WatchHit
	for _, bp := range w.store.DataBreakpoints() {
		current, err := eval(bp.Target)
		if err != nil {
			continue
		}

		prev := w.values[bp.ID]
		w.values[bp.ID] = watchSnapshot{value: current, has: true}

		if !prev.has || prev.value == current {
			// No prior snapshot to diff against, or the value is
			// unchanged: either way, nothing to report yet.
			continue
		}

		result := EvaluateCondition(bp.Condition, bp.HitCondition, &bp.hitCount, evalBool)
		if result != Hit {
			continue
		}

		hits = append(hits, WatchHit{Breakpoint: bp, OldValue: prev.value, NewValue: current})
	}
	return hits
}

// WatchpointDescription renders the description string required on
// the resulting "stopped" event.
func WatchpointDescription(hit WatchHit) string {
	var b strings.Builder
	b.WriteString(hit.Breakpoint.Target)
	b.WriteString(" changed")
	return b.String()
}
