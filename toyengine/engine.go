package toyengine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	dapcore "github.com/dapper-dbg/dapper/dap"
)

// Config seeds one Engine instance. It mirrors the subset of
// dap.Configuration the toy interpreter actually understands: a
// program to run and whether to break before its first instruction.
type Config struct {
	Path        string // file path the script was (or will be) loaded from
	StopOnEntry bool
}

// callFrame is the interpreter's only piece of per-call state: a
// program counter, an operand stack for PUSH/POP/arithmetic, and the
// named locals STORE/LOAD address. It is exactly what StackTrace,
// Scopes, and Variables render back to the client.
type callFrame struct {
	fn      *Function
	pc      int
	locals  map[string]value
	opstack []value
}

type lineBP struct {
	id       int
	line     int
	cond     string
	hitCond  string
	hitCount int64
	logMsg   string
}

type funcBP struct {
	id       int
	name     string
	cond     string
	hitCond  string
	hitCount int64
}

type watchEntry struct {
	w       dapcore.Watch
	hasSnap bool
	snap    string
}

// Engine is the toy interpreter's dap.Engine + dap.InProcessEngine
// implementation. One Engine runs exactly one "guest thread" — the
// goroutine executing run() — which is the only writer of stack/pc
// state; every exported method either only reads a paused snapshot or
// only flips a control flag, both guarded by mu.
type Engine struct {
	mu sync.Mutex

	prog *Program
	path string

	onEvent func(dapcore.Event)

	// trace, when bound via BindTraceDelegate, hands breakpoint, step,
	// watch, and exception decisions to the Session driving this
	// engine in-process instead of the local bookkeeping below. Only
	// set for the in-process wiring path (lifecycle.go); a standalone
	// subprocess engine never binds one and always uses the local
	// fallback.
	trace dapcore.TraceDelegate

	stack []*callFrame

	paused   bool
	pauseReq bool
	stepPred func(depth int, fn *Function) bool
	resumeCh chan struct{}

	stoppedFrames    []*callFrame
	lastExceptionID  string
	lastExceptionMsg string

	lineBPs   map[int]*lineBP
	funcBPs   []*funcBP
	exFilters map[dapcore.ExceptionFilterID]bool
	watches   []*watchEntry
	nextBPID  int

	handles    map[int]func() []dapcore.Variable
	nextHandle int
}

// New builds an Engine over an already-parsed program. Used by tests
// and by the in-process wiring path (Configuration.InProcessFactory).
func New(prog *Program, cfg Config) *Engine {
	e := &Engine{
		prog:      prog,
		path:      cfg.Path,
		resumeCh:  make(chan struct{}, 1),
		lineBPs:   make(map[int]*lineBP),
		exFilters: make(map[dapcore.ExceptionFilterID]bool),
		handles:   make(map[int]func() []dapcore.Variable),
		paused:    cfg.StopOnEntry,
	}
	return e
}

// Load parses a script from disk and builds an Engine for it — the
// path a subprocess-mode `dapper engine --program <path>` invocation
// takes.
func Load(path string, stopOnEntry bool) (*Engine, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := Parse(path, string(text))
	if err != nil {
		return nil, err
	}
	return New(prog, Config{Path: path, StopOnEntry: stopOnEntry}), nil
}

// OnEvent implements dap.InProcessEngine: it is called once, during
// dap.NewInProcessEngine's wiring, before Start.
func (e *Engine) OnEvent(fn func(dapcore.Event)) {
	e.mu.Lock()
	e.onEvent = fn
	e.mu.Unlock()
}

// BindTraceDelegate lets lifecycle.go's in-process wiring hand this
// engine the Session's coordinator (coordinator.go); detected via an
// optional-interface check, never required by dap.Engine itself.
func (e *Engine) BindTraceDelegate(td dapcore.TraceDelegate) {
	e.mu.Lock()
	e.trace = td
	e.mu.Unlock()
}

func (e *Engine) emit(ev dapcore.Event) {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Start launches the guest thread goroutine. It is not part of the
// Engine interface — lifecycle.go's start() calls it right after
// construction, both for the in-process and the subprocess paths —
// because nothing upstream needs to block on it: the first
// client-visible signal is either a "stopped" (entry) or "continued"
// event.
func (e *Engine) Start() {
	go e.run()
}

func (e *Engine) run() {
	e.mu.Lock()
	e.stack = []*callFrame{{fn: e.prog.Functions[e.prog.Entry], locals: make(map[string]value)}}
	entryPause := e.paused
	e.mu.Unlock()

	if entryPause {
		e.pauseAt("entry", nil, "")
	}

	for {
		e.mu.Lock()
		if len(e.stack) == 0 {
			e.mu.Unlock()
			e.emit(dapcore.Event{Exited: &dapcore.ExitedEvent{Code: 0}})
			return
		}
		top := e.stack[len(e.stack)-1]
		if top.pc >= len(top.fn.Instrs) {
			e.doReturnLocked(numVal(0))
			e.mu.Unlock()
			continue
		}
		instr := top.fn.Instrs[top.pc]
		reason, hitIDs, description, stop := e.shouldStopLocked(instr)
		e.mu.Unlock()

		if stop {
			e.pauseAt(reason, hitIDs, description)
			continue
		}

		if raised := e.exec(instr); raised != "" {
			if !e.handleRaise(raised) {
				e.emit(dapcore.Event{Output: &dapcore.OutputEvent{Category: "stderr", Text: "unhandled: " + raised + "\n"}})
				e.emit(dapcore.Event{Exited: &dapcore.ExitedEvent{Code: 1}})
				return
			}
		}
	}
}

// shouldStopLocked decides, for the instruction about to execute,
// whether the guest thread should surface a "stopped" event instead of
// running it. Called with mu held.
func (e *Engine) shouldStopLocked(instr Instr) (reason string, hitIDs []int, description string, stop bool) {
	if e.pauseReq {
		e.pauseReq = false
		return "pause", nil, "", true
	}

	top := e.stack[len(e.stack)-1]

	// Log points never stop; they are handled locally regardless of
	// whether a trace delegate is bound, since formatting and emitting
	// their message is engine-local work.
	if bp, ok := e.lineBPs[instr.Line]; ok && bp.logMsg != "" {
		e.emitLogpoint(top, bp)
	}

	if e.trace != nil {
		return e.shouldStopViaTraceLocked(instr, top)
	}
	return e.shouldStopLocalLocked(instr, top)
}

// emitLogpoint formats and emits a log point's message without ever
// reporting a stop; FormatLogMessage and the breakpoint's hit-count
// grammar are exactly what an ordinary conditional breakpoint uses.
func (e *Engine) emitLogpoint(top *callFrame, bp *lineBP) {
	result := dapcore.EvaluateCondition(bp.cond, bp.hitCond, &bp.hitCount, func(expr string) (bool, error) {
		v, err := evalExpr(top, expr)
		if err != nil {
			return false, err
		}
		return v.truthy(), nil
	})
	if result != dapcore.Hit {
		return
	}
	text := dapcore.FormatLogMessage(bp.logMsg, func(expr string) (string, error) {
		v, err := evalExpr(top, expr)
		if err != nil {
			return "", err
		}
		return v.String(), nil
	})
	go e.emit(dapcore.Event{Output: &dapcore.OutputEvent{Category: "console", Text: text + "\n"}})
}

// shouldStopViaTraceLocked delegates the line-breakpoint, step, and
// watch decision to the bound Session (coordinator.go), which resolves
// against the Breakpoint Store directly instead of this engine's own
// copy of that state.
func (e *Engine) shouldStopViaTraceLocked(instr Instr, top *callFrame) (reason string, hitIDs []int, description string, stop bool) {
	depth := len(e.stack)
	frame := dapcore.Frame{Name: top.fn.Name, Line: instr.Line}
	evalBool := func(expr string) (bool, error) {
		v, err := evalExpr(top, expr)
		if err != nil {
			return false, err
		}
		return v.truthy(), nil
	}
	evalStr := func(expr string) (string, error) {
		v, err := evalExpr(top, expr)
		if err != nil {
			return "", err
		}
		return v.String(), nil
	}

	if stop, r, ids, desc := e.trace.OnLine(e.prog.Source, instr.Line, depth, frame, evalStr, evalBool); stop {
		return r, ids, desc, true
	}

	if instr.Op == "CALL" && len(instr.Args) > 0 {
		if stop, r, ids := e.trace.OnCall(instr.Args[0], depth, frame, evalBool); stop {
			return r, ids, "", true
		}
	}

	return "", nil, "", false
}

// shouldStopLocalLocked is the standalone fallback used when no trace
// delegate is bound (the subprocess/CLI path): it keeps its own line/
// function breakpoint, step, and watch bookkeeping rather than the
// Session's.
func (e *Engine) shouldStopLocalLocked(instr Instr, top *callFrame) (reason string, hitIDs []int, description string, stop bool) {
	if bp, ok := e.lineBPs[instr.Line]; ok && bp.logMsg == "" {
		result := dapcore.EvaluateCondition(bp.cond, bp.hitCond, &bp.hitCount, func(expr string) (bool, error) {
			v, err := evalExpr(top, expr)
			if err != nil {
				return false, err
			}
			return v.truthy(), nil
		})
		if result == dapcore.Hit {
			return "breakpoint", []int{bp.id}, "", true
		}
	}

	if instr.Op == "CALL" && len(instr.Args) > 0 {
		for _, fb := range e.funcBPs {
			if fb.name != instr.Args[0] {
				continue
			}
			result := dapcore.EvaluateCondition(fb.cond, fb.hitCond, &fb.hitCount, func(expr string) (bool, error) {
				v, err := evalExpr(top, expr)
				if err != nil {
					return false, err
				}
				return v.truthy(), nil
			})
			if result == dapcore.Hit {
				return "function breakpoint", []int{fb.id}, "", true
			}
		}
	}

	if e.stepPred != nil && e.stepPred(len(e.stack), top.fn) {
		e.stepPred = nil
		return "step", nil, "", true
	}

	if desc := e.checkWatchesLocked(top); desc != "" {
		return "data breakpoint", nil, desc, true
	}

	return "", nil, "", false
}

func (e *Engine) checkWatchesLocked(top *callFrame) string {
	var fired string
	for _, we := range e.watches {
		_, isExpr, target, err := dapcore.ParseDataID(we.w.Target)
		if err != nil {
			target = we.w.Target
			isExpr = we.w.IsExpr
		}
		_ = isExpr

		v, err := evalExpr(top, target)
		if err != nil {
			continue
		}
		cur := v.String()
		prevHas, prev := we.hasSnap, we.snap
		we.hasSnap, we.snap = true, cur
		if !prevHas || prev == cur {
			continue
		}
		fired = fmt.Sprintf("%s changed from %s to %s", we.w.Target, prev, cur)
	}
	return fired
}

// pauseAt snapshots the live stack, emits "stopped", and blocks the
// guest thread until Continue/Step/Goto wakes it back up.
func (e *Engine) pauseAt(reason string, hitIDs []int, description string) {
	e.mu.Lock()
	e.paused = true
	e.stoppedFrames = append([]*callFrame(nil), e.stack...)
	e.mu.Unlock()

	e.emit(dapcore.Event{Stopped: &dapcore.StoppedEvent{
		ThreadID:          1,
		Reason:            reason,
		Description:       description,
		HitIDs:            hitIDs,
		AllThreadsStopped: true,
	}})

	<-e.resumeCh
}

func (e *Engine) wake() {
	e.mu.Lock()
	e.paused = false
	e.stoppedFrames = nil
	e.handles = make(map[int]func() []dapcore.Variable)
	e.mu.Unlock()
	select {
	case e.resumeCh <- struct{}{}:
	default:
	}
}

// doReturnLocked pops the current frame, storing rv in the caller's
// "_ret" local so a CALL site can LOAD it. Called with mu held.
func (e *Engine) doReturnLocked(rv value) {
	e.stack = e.stack[:len(e.stack)-1]
	if len(e.stack) > 0 {
		e.stack[len(e.stack)-1].locals["_ret"] = rv
	}
}

func (e *Engine) handleRaise(msg string) (handled bool) {
	e.mu.Lock()
	trace := e.trace
	raisedFilter := e.exFilters[dapcore.FilterRaised]
	uncaughtFilter := e.exFilters[dapcore.FilterUncaught] || e.exFilters[dapcore.FilterUserUnhandled]
	source := e.prog.Source
	e.lastExceptionID = "ToyException"
	e.lastExceptionMsg = msg
	e.mu.Unlock()

	// The toy language has no exception objects, so the raised message
	// text itself stands in for an exception id — stable enough across
	// the raised/unwinding pair of calls below, which is all the phase
	// machine needs.
	exceptionID := msg

	if trace != nil {
		if stop, reason := trace.OnRaise(exceptionID, source); stop {
			e.pauseAt(reason, nil, "")
			return true
		}

		// No handler in this language: unwind to the root immediately.
		e.mu.Lock()
		e.stack = e.stack[:0]
		e.mu.Unlock()

		if stop, reason := trace.OnUnwind(exceptionID, true); stop {
			e.pauseAt(reason, nil, "")
			return true
		}
		return false
	}

	if raisedFilter {
		e.pauseAt("exception", nil, "")
		return true
	}

	// No handler in this language: unwind to the root immediately.
	e.mu.Lock()
	e.stack = e.stack[:0]
	e.mu.Unlock()

	if uncaughtFilter {
		e.pauseAt("exception", nil, "")
		return true
	}
	return false
}

func (e *Engine) exec(instr Instr) (raised string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	top := e.stack[len(e.stack)-1]
	top.pc++

	switch instr.Op {
	case "NOP":
	case "PUSH":
		if len(instr.Args) != 1 {
			return "PUSH requires one argument"
		}
		top.opstack = append(top.opstack, parseLiteral(instr.Args[0]))
	case "POP":
		e.popOp(top)
	case "DUP":
		v := e.popOp(top)
		top.opstack = append(top.opstack, v, v)
	case "ADD", "SUB", "MUL", "DIV", "MOD", "EQ", "NEQ", "LT", "LTE", "GT", "GTE":
		b := e.popOp(top)
		a := e.popOp(top)
		v, err := binaryArith(instr.Op, a, b)
		if err != nil {
			return err.Error()
		}
		top.opstack = append(top.opstack, v)
	case "NOT":
		v := e.popOp(top)
		top.opstack = append(top.opstack, boolVal(!v.truthy()))
	case "STORE":
		if len(instr.Args) != 1 {
			return "STORE requires a name"
		}
		top.locals[instr.Args[0]] = e.popOp(top)
	case "LOAD":
		if len(instr.Args) != 1 {
			return "LOAD requires a name"
		}
		v, ok := top.locals[instr.Args[0]]
		if !ok {
			return "undefined variable " + instr.Args[0]
		}
		top.opstack = append(top.opstack, v)
	case "PRINT":
		v := e.popOp(top)
		text := v.String() + "\n"
		go e.emit(dapcore.Event{Output: &dapcore.OutputEvent{Category: "stdout", Text: text}})
	case "JMP":
		if len(instr.Args) != 1 {
			return "JMP requires a label"
		}
		idx, err := top.fn.jumpTarget(instr.Args[0])
		if err != nil {
			return err.Error()
		}
		top.pc = idx
	case "JMPF":
		if len(instr.Args) != 1 {
			return "JMPF requires a label"
		}
		if v := e.popOp(top); !v.truthy() {
			idx, err := top.fn.jumpTarget(instr.Args[0])
			if err != nil {
				return err.Error()
			}
			top.pc = idx
		}
	case "CALL":
		if len(instr.Args) < 1 {
			return "CALL requires a function name"
		}
		fn, ok := e.prog.Functions[instr.Args[0]]
		if !ok {
			return "undefined function " + instr.Args[0]
		}
		argc := 0
		if len(instr.Args) > 1 {
			argc, _ = strconv.Atoi(instr.Args[1])
		}
		args := make([]value, argc)
		for i := argc - 1; i >= 0; i-- {
			args[i] = e.popOp(top)
		}
		nf := &callFrame{fn: fn, locals: make(map[string]value)}
		for i, a := range args {
			nf.locals["arg"+strconv.Itoa(i)] = a
		}
		e.stack = append(e.stack, nf)
	case "RET":
		e.doReturnLocked(e.popOpOrZero(top))
	case "RAISE":
		return strings.Join(instr.Args, " ")
	case "SLEEP":
		// no-op: the toy interpreter has no real clock to drive.
	default:
		return "unknown opcode " + instr.Op
	}
	return ""
}

func (e *Engine) popOp(f *callFrame) value {
	if len(f.opstack) == 0 {
		return numVal(0)
	}
	v := f.opstack[len(f.opstack)-1]
	f.opstack = f.opstack[:len(f.opstack)-1]
	return v
}

func (e *Engine) popOpOrZero(f *callFrame) value { return e.popOp(f) }

var _ dapcore.Engine = (*Engine)(nil)
var _ dapcore.InProcessEngine = (*Engine)(nil)
