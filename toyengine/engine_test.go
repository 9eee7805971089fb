package toyengine

import (
	"context"
	"testing"
	"time"

	dapcore "github.com/dapper-dbg/dapper/dap"
	"github.com/stretchr/testify/require"
	"sync"
)

const loopScript = `func main
    PUSH 0
    STORE i
.loop
    LOAD i
    PUSH 5
    LT
    JMPF .done
    LOAD i
    PUSH 1
    ADD
    STORE i
    JMP .loop
.done
    PUSH 0
end
`

// TestLogpointEmitsOutputWithoutStopping exercises the fix for log
// points: a line breakpoint with a LogMessage must format and emit an
// "output" event on every hit and never produce a "stopped" event.
func TestLogpointEmitsOutputWithoutStopping(t *testing.T) {
	prog, err := Parse("loop.toy", loopScript)
	require.NoError(t, err)

	eng := New(prog, Config{Path: "loop.toy"})

	var mu sync.Mutex
	var stopped []dapcore.Event
	var output []dapcore.Event
	exited := make(chan struct{})

	eng.OnEvent(func(ev dapcore.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case ev.Stopped != nil:
			stopped = append(stopped, ev)
		case ev.Output != nil && ev.Output.Category == "console":
			output = append(output, ev)
		case ev.Exited != nil:
			close(exited)
		}
	})

	_, err = eng.SetLineBreakpoints(context.Background(), "loop.toy", []dapcore.LineBreakpointSpec{
		{Line: 9, LogMessage: "i is {i}"},
	})
	require.NoError(t, err)

	eng.Start()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("program did not exit")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(output) == 5
	}, 2*time.Second, 10*time.Millisecond, "expected one log message per loop iteration")

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, stopped, "a log point must never stop the program")
	for i, ev := range output {
		require.Equal(t, "i is "+itoa(i)+"\n", ev.Output.Text)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := ""
	for i > 0 {
		digits = string(rune('0'+i%10)) + digits
		i /= 10
	}
	return digits
}

// fakeTraceDelegate lets a test observe exactly which decision point
// toyengine consulted, without depending on the full dap.Session.
type fakeTraceDelegate struct {
	mu       sync.Mutex
	onLines  int
	stopLine int
}

func (f *fakeTraceDelegate) OnLine(source string, line, depth int, frame dapcore.Frame, eval func(string) (string, error), evalBool func(string) (bool, error)) (bool, string, []int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLines++
	if line == f.stopLine {
		return true, "breakpoint", []int{42}, ""
	}
	return false, "", nil, ""
}

func (f *fakeTraceDelegate) OnCall(name string, depth int, frame dapcore.Frame, evalBool func(string) (bool, error)) (bool, string, []int) {
	return false, "", nil
}

func (f *fakeTraceDelegate) ArmStep(mode dapcore.StepMode, granularity dapcore.StepGranularity, fromDepth int, fromName string) {
}

func (f *fakeTraceDelegate) DisarmStep() {}

func (f *fakeTraceDelegate) OnRaise(exceptionID, source string) (bool, string) { return false, "" }

func (f *fakeTraceDelegate) OnHandled(exceptionID string) {}

func (f *fakeTraceDelegate) OnUnwind(exceptionID string, unwoundPastUserCode bool) (bool, string) {
	return false, ""
}

var _ dapcore.TraceDelegate = (*fakeTraceDelegate)(nil)

// TestBindTraceDelegateDrivesStopDecision checks that once a trace
// delegate is bound, the engine's own line-breakpoint map is no longer
// what decides whether to stop — the bound delegate is.
func TestBindTraceDelegateDrivesStopDecision(t *testing.T) {
	prog, err := Parse("loop.toy", loopScript)
	require.NoError(t, err)

	eng := New(prog, Config{Path: "loop.toy"})
	delegate := &fakeTraceDelegate{stopLine: 9}
	eng.BindTraceDelegate(delegate)

	stopped := make(chan *dapcore.StoppedEvent, 1)
	eng.OnEvent(func(ev dapcore.Event) {
		if ev.Stopped != nil {
			select {
			case stopped <- ev.Stopped:
			default:
			}
		}
	})

	// No breakpoints registered with the engine's own store at all —
	// if the fallback path were still in control, nothing would ever
	// stop.
	eng.Start()

	select {
	case ev := <-stopped:
		require.Equal(t, "breakpoint", ev.Reason)
		require.Equal(t, []int{42}, ev.HitIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("engine never consulted the bound trace delegate")
	}

	delegate.mu.Lock()
	require.Greater(t, delegate.onLines, 0)
	delegate.mu.Unlock()
}
