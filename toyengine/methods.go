package toyengine

import (
	"context"
	"os"

	dapcore "github.com/dapper-dbg/dapper/dap"
	gdap "github.com/google/go-dap"
)

func (e *Engine) SetLineBreakpoints(_ context.Context, _ string, specs []dapcore.LineBreakpointSpec) ([]dapcore.ResolvedBreakpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lineBPs = make(map[int]*lineBP)
	out := make([]dapcore.ResolvedBreakpoint, len(specs))
	for i, spec := range specs {
		e.nextBPID++
		e.lineBPs[spec.Line] = &lineBP{id: e.nextBPID, line: spec.Line, cond: spec.Condition, hitCond: spec.HitCondition, logMsg: spec.LogMessage}
		out[i] = dapcore.ResolvedBreakpoint{Verified: true, Line: spec.Line}
	}
	return out, nil
}

func (e *Engine) SetFunctionBreakpoints(_ context.Context, specs []dapcore.FunctionBreakpointSpec) ([]dapcore.ResolvedBreakpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.funcBPs = e.funcBPs[:0]
	out := make([]dapcore.ResolvedBreakpoint, len(specs))
	for i, spec := range specs {
		e.nextBPID++
		verified := false
		if _, ok := e.prog.Functions[spec.QualifiedName]; ok {
			verified = true
		}
		e.funcBPs = append(e.funcBPs, &funcBP{id: e.nextBPID, name: spec.QualifiedName, cond: spec.Condition, hitCond: spec.HitCondition})
		out[i] = dapcore.ResolvedBreakpoint{Verified: verified}
		if !verified {
			out[i].Message = "no such function: " + spec.QualifiedName
		}
	}
	return out, nil
}

func (e *Engine) SetExceptionFilters(_ context.Context, filters []dapcore.ExceptionFilterID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exFilters = make(map[dapcore.ExceptionFilterID]bool, len(filters))
	for _, f := range filters {
		e.exFilters[f] = true
	}
	return nil
}

func (e *Engine) RegisterWatches(_ context.Context, watches []dapcore.Watch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watches = make([]*watchEntry, len(watches))
	for i, w := range watches {
		e.watches[i] = &watchEntry{w: w}
	}
	return nil
}

func (e *Engine) Continue(_ context.Context, _ int) error {
	e.mu.Lock()
	e.stepPred = nil
	trace := e.trace
	e.mu.Unlock()
	if trace != nil {
		trace.DisarmStep()
	}
	e.wake()
	e.emit(dapcore.Event{Continued: &dapcore.ContinuedEvent{ThreadID: 1, AllThreadsContinued: true}})
	return nil
}

func (e *Engine) Pause(_ context.Context, _ int) error {
	e.mu.Lock()
	e.pauseReq = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) Step(_ context.Context, _ int, mode dapcore.StepMode, granularity dapcore.StepGranularity) error {
	e.mu.Lock()
	fromDepth := len(e.stoppedFrames)
	var fromName string
	if fromDepth > 0 {
		fromName = e.stoppedFrames[fromDepth-1].fn.Name
	}
	if e.trace != nil {
		e.stepPred = nil
		e.trace.ArmStep(mode, granularity, fromDepth, fromName)
	} else {
		var fromFn *Function
		if fromDepth > 0 {
			fromFn = e.stoppedFrames[fromDepth-1].fn
		}
		e.stepPred = newStepPredicate(mode, granularity, fromDepth, fromFn)
	}
	e.mu.Unlock()

	e.wake()
	e.emit(dapcore.Event{Continued: &dapcore.ContinuedEvent{ThreadID: 1, AllThreadsContinued: true}})
	return nil
}

// newStepPredicate is toyengine's own equivalent of dap.NewStepPredicate
// (step.go): it cannot call that helper directly because its "from"
// parameter is an unexported type, unconstructable from another
// package. The semantics mirror it exactly for the modes this
// interpreter supports (no async-frame concept, so that half of the
// core predicate does not apply here).
func newStepPredicate(mode dapcore.StepMode, granularity dapcore.StepGranularity, fromDepth int, fromFn *Function) func(depth int, fn *Function) bool {
	return func(depth int, fn *Function) bool {
		if granularity == dapcore.GranularityInstruction {
			return true
		}
		switch mode {
		case dapcore.StepOver:
			return depth < fromDepth || (depth == fromDepth && fn == fromFn)
		case dapcore.StepIn:
			return true
		case dapcore.StepOut:
			return depth < fromDepth
		default:
			return true
		}
	}
}

func (e *Engine) Goto(_ context.Context, _ int, line int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stoppedFrames) == 0 {
		return dapcore.ErrUnsupported
	}
	top := e.stoppedFrames[len(e.stoppedFrames)-1]
	for i, instr := range top.fn.Instrs {
		if instr.Line == line {
			top.pc = i
			return nil
		}
	}
	return dapcore.ErrUnsupported
}

func (e *Engine) Threads(_ context.Context) ([]dapcore.Thread, error) {
	return []dapcore.Thread{{ID: 1, Name: "main"}}, nil
}

func (e *Engine) StackTrace(_ context.Context, _ int, start, count int) ([]dapcore.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.stoppedFrames)
	out := make([]dapcore.Frame, 0, n)
	for i := n - 1; i >= 0; i-- {
		f := e.stoppedFrames[i]
		line := 0
		if f.pc < len(f.fn.Instrs) {
			line = f.fn.Instrs[f.pc].Line
		}
		out = append(out, dapcore.Frame{
			ID:     n - 1 - i,
			Name:   f.fn.Name,
			Source: &gdap.Source{Path: e.prog.Source, Name: e.prog.Source},
			Line:   line,
		})
	}
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		start = len(out)
	}
	end := len(out)
	if count > 0 && start+count < end {
		end = start + count
	}
	return out[start:end], nil
}

func (e *Engine) frameByID(frameID int) *callFrame {
	n := len(e.stoppedFrames)
	idx := n - 1 - frameID
	if idx < 0 || idx >= n {
		return nil
	}
	return e.stoppedFrames[idx]
}

func (e *Engine) newHandle(fn func() []dapcore.Variable) int {
	e.nextHandle++
	e.handles[e.nextHandle] = fn
	return e.nextHandle
}

func (e *Engine) Scopes(_ context.Context, frameID int) ([]dapcore.Scope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.frameByID(frameID)
	if f == nil {
		return nil, dapcore.ErrUnsupported
	}
	handle := e.newHandle(func() []dapcore.Variable { return localsSnapshot(f) })
	return []dapcore.Scope{{Name: "Locals", PresentationHint: "locals", Handle: handle, NamedVariables: len(f.locals)}}, nil
}

func localsSnapshot(f *callFrame) []dapcore.Variable {
	out := make([]dapcore.Variable, 0, len(f.locals))
	for name, v := range f.locals {
		out = append(out, dapcore.Variable{Name: name, Value: v.String(), Type: v.typeName(), EvalName: name})
	}
	return out
}

func (e *Engine) Variables(_ context.Context, handle, start, count int) ([]dapcore.Variable, error) {
	e.mu.Lock()
	fn := e.handles[handle]
	e.mu.Unlock()
	if fn == nil {
		return []dapcore.Variable{}, nil
	}
	vars := fn()
	if start < 0 {
		start = 0
	}
	if start > len(vars) {
		start = len(vars)
	}
	end := len(vars)
	if count > 0 && start+count < end {
		end = start + count
	}
	return vars[start:end], nil
}

func (e *Engine) SetVariable(_ context.Context, containerHandle int, name, valueExpr string) (dapcore.Variable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.stoppedFrames) == 0 {
		return dapcore.Variable{}, dapcore.ErrUnsupported
	}
	top := e.stoppedFrames[len(e.stoppedFrames)-1]
	_ = containerHandle // this interpreter has one flat locals scope per frame

	v, err := evalExpr(top, valueExpr)
	if err != nil {
		return dapcore.Variable{}, err
	}
	top.locals[name] = v
	return dapcore.Variable{Name: name, Value: v.String(), Type: v.typeName(), EvalName: name}, nil
}

func (e *Engine) SetExpression(_ context.Context, expr, valueExpr string, frameID int) (dapcore.Variable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.frameByID(frameID)
	if f == nil {
		return dapcore.Variable{}, dapcore.ErrUnsupported
	}
	if _, ok := f.locals[expr]; !ok {
		return dapcore.Variable{}, dapcore.ErrUnsupported
	}
	v, err := evalExpr(f, valueExpr)
	if err != nil {
		return dapcore.Variable{}, err
	}
	f.locals[expr] = v
	return dapcore.Variable{Name: expr, Value: v.String(), Type: v.typeName(), EvalName: expr}, nil
}

func (e *Engine) Evaluate(_ context.Context, expr string, frameID int, _ dapcore.EvalContext) (dapcore.Variable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.frameByID(frameID)
	if f == nil {
		if len(e.stoppedFrames) == 0 {
			return dapcore.Variable{}, dapcore.ErrUnsupported
		}
		f = e.stoppedFrames[len(e.stoppedFrames)-1]
	}
	v, err := evalExpr(f, expr)
	if err != nil {
		return dapcore.Variable{}, err
	}
	return dapcore.Variable{Value: v.String(), Type: v.typeName(), EvalName: expr}, nil
}

func (e *Engine) Completions(_ context.Context, text string, _, frameID int) ([]dapcore.CompletionItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.frameByID(frameID)
	if f == nil {
		return nil, nil
	}
	var out []dapcore.CompletionItem
	for name := range f.locals {
		if len(text) == 0 || (len(name) >= len(text) && name[:len(text)] == text) {
			out = append(out, dapcore.CompletionItem{Label: name, Text: name, Type: "variable"})
		}
	}
	return out, nil
}

func (e *Engine) ExceptionInfo(_ context.Context, _ int) (dapcore.ExceptionDetails, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return dapcore.ExceptionDetails{
		ExceptionID: e.lastExceptionID,
		Description: e.lastExceptionMsg,
		BreakMode:   "always",
	}, nil
}

func (e *Engine) ReloadModule(_ context.Context, sourcePath string, opts dapcore.ReloadOptions) (dapcore.HotReloadResult, error) {
	path := sourcePath
	if path == "" {
		path = e.path
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return dapcore.HotReloadResult{}, err
	}
	prog, err := Parse(path, string(text))
	if err != nil {
		return dapcore.HotReloadResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rebound := 0
	if opts.RebindFrames {
		for _, f := range e.stack {
			if nf, ok := prog.Functions[f.fn.Name]; ok {
				f.fn = nf
				if f.pc >= len(nf.Instrs) {
					f.pc = 0
				}
				rebound++
			}
		}
	}
	e.prog = prog
	return dapcore.HotReloadResult{ReboundFrames: rebound, UpdatedFrameCodes: rebound}, nil
}

func (e *Engine) Disconnect(_ context.Context, terminateDebuggee bool) error {
	if terminateDebuggee {
		e.mu.Lock()
		e.stack = nil
		e.mu.Unlock()
		e.wake()
	}
	return nil
}
