package dap

import (
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepOverPredicate(t *testing.T) {
	pred := NewStepPredicate(StepOver, GranularityLine, stepIdentity{depth: 2, name: "f"}, nil)

	assert.True(t, pred(2, Frame{Name: "f"}), "same depth same frame should stop")
	assert.False(t, pred(2, Frame{Name: "g"}), "same depth different frame (recursion) should not stop")
	assert.True(t, pred(1, Frame{Name: "caller"}), "shallower depth (returned) should stop")
	assert.False(t, pred(3, Frame{Name: "callee"}), "deeper depth (called into) should not stop")
}

func TestStepInPredicateStopsAnywhere(t *testing.T) {
	pred := NewStepPredicate(StepIn, GranularityLine, stepIdentity{depth: 2, name: "f"}, nil)
	assert.True(t, pred(5, Frame{Name: "anything"}))
}

func TestStepOutPredicate(t *testing.T) {
	pred := NewStepPredicate(StepOut, GranularityLine, stepIdentity{depth: 2, name: "f"}, nil)
	assert.False(t, pred(2, Frame{Name: "f"}))
	assert.True(t, pred(1, Frame{Name: "caller"}))
}

func TestStepPredicateSkipsAsyncFrames(t *testing.T) {
	pred := NewStepPredicate(StepIn, GranularityLine, stepIdentity{depth: 0, name: "f"}, []string{"scheduler.dispatch"})
	assert.False(t, pred(1, Frame{Name: "scheduler.dispatch"}))
	assert.False(t, pred(1, Frame{Async: true, Name: "anything"}))
}

func TestStepPredicateInstructionGranularityIgnoresFrameIdentity(t *testing.T) {
	pred := NewStepPredicate(StepOver, GranularityInstruction, stepIdentity{depth: 2, name: "f"}, nil)
	assert.True(t, pred(5, Frame{Name: "deep"}))
}

func TestExceptionTrackerRaisedFilter(t *testing.T) {
	s := NewBreakpointStore()
	s.ReplaceExceptionFilters([]string{"raised"})
	tr := newExceptionTracker(s, nil)

	shouldBreak, reason := tr.Observe(ExceptionRaised, "e1", "mod.lang", false)
	assert.True(t, shouldBreak)
	assert.Equal(t, "exception", reason)
}

func TestExceptionTrackerUncaughtBuffersUntilUnwindPastUserCode(t *testing.T) {
	s := NewBreakpointStore()
	s.ReplaceExceptionFilters([]string{"uncaught"})
	tr := newExceptionTracker(s, nil)

	shouldBreak, _ := tr.Observe(ExceptionRaised, "e1", "mod.lang", false)
	assert.False(t, shouldBreak)

	shouldBreak, _ = tr.Observe(ExceptionUnwinding, "e1", "mod.lang", false)
	assert.False(t, shouldBreak, "not yet unwound past all user code")

	shouldBreak, reason := tr.Observe(ExceptionUnwinding, "e1", "mod.lang", true)
	assert.True(t, shouldBreak)
	assert.Equal(t, "exception", reason)
}

func TestExceptionTrackerHandledDropsBufferedEntry(t *testing.T) {
	s := NewBreakpointStore()
	s.ReplaceExceptionFilters([]string{"uncaught"})
	tr := newExceptionTracker(s, nil)

	tr.Observe(ExceptionRaised, "e1", "mod.lang", false)
	tr.Observe(ExceptionHandled, "e1", "mod.lang", false)

	shouldBreak, _ := tr.Observe(ExceptionUnwinding, "e1", "mod.lang", true)
	assert.False(t, shouldBreak, "handled exceptions must not later break")
}

func TestExceptionTrackerUserUnhandledConsultsUserCodePredicate(t *testing.T) {
	s := NewBreakpointStore()
	s.ReplaceExceptionFilters([]string{"user_unhandled"})
	tr := newExceptionTracker(s, func(source string) bool { return source == "user.mod" })

	shouldBreak, _ := tr.Observe(ExceptionRaised, "e1", "library.internal", false)
	assert.False(t, shouldBreak)

	shouldBreak, _ = tr.Observe(ExceptionRaised, "e2", "user.mod", false)
	assert.False(t, shouldBreak, "raised phase never breaks immediately for user_unhandled")

	shouldBreak, reason := tr.Observe(ExceptionUnwinding, "e2", "user.mod", true)
	assert.True(t, shouldBreak)
	assert.Equal(t, "exception", reason)
}

func TestWatchpointTrackerFiresOnChangeAndDoesNotDoubleFire(t *testing.T) {
	s := NewBreakpointStore()
	resolved, _ := s.ReplaceData([]dap.DataBreakpoint{
		{DataId: "frame:0:var:counter", AccessType: "write"},
	}, false, true)
	require.Len(t, resolved, 1)

	w := NewWatchpointTracker(s)
	alwaysTrue := func(string) (bool, error) { return true, nil }

	values := []string{"0", "0", "1", "1", "2"}
	i := -1
	eval := func(string) (string, error) {
		i++
		return values[i], nil
	}

	hits := w.Check(eval, alwaysTrue)
	assert.Empty(t, hits, "initial observation establishes the snapshot, no prior value to diff against")

	hits = w.Check(eval, alwaysTrue)
	assert.Empty(t, hits, "unchanged value must not fire")

	hits = w.Check(eval, alwaysTrue)
	require.Len(t, hits, 1)
	assert.Equal(t, "0", hits[0].OldValue)
	assert.Equal(t, "1", hits[0].NewValue)

	hits = w.Check(eval, alwaysTrue)
	assert.Empty(t, hits, "re-entering the same line without a further change must not double-fire")
}

func TestWatchpointDescription(t *testing.T) {
	hit := WatchHit{Breakpoint: &DataBreakpoint{Target: "counter"}}
	assert.Equal(t, "counter changed", WatchpointDescription(hit))
}
