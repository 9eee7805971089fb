package dap

import "context"

// InProcessEngine is what an in-process engine implementation (e.g.
// toyengine.Engine) provides beyond the Engine contract itself: a way
// to subscribe to its events. Its methods run synchronously on
// whatever goroutine holds the interpreter — commonly the caller's
// own goroutine, sometimes a dedicated "guest thread" goroutine the
// engine manages internally.
type InProcessEngine interface {
	Engine
	OnEvent(func(Event))
}

// inProcessEngine is the in-process Engine backend. Unlike the external
// backend it has no transport, codec, or correlation registry: every
// call is a direct Go call into inner. Its only job is to marshal
// inner's event callbacks — which may fire on an arbitrary engine
// goroutine — onto the session's single-threaded execution context,
// using the same Scheduler the Correlation Registry falls back to.
type inProcessEngine struct {
	inner     InProcessEngine
	scheduler Scheduler
	sink      EventSink
}

// NewInProcessEngine wires inner's event callback during launch.
func NewInProcessEngine(inner InProcessEngine, scheduler Scheduler, sink EventSink) *inProcessEngine {
	e := &inProcessEngine{inner: inner, scheduler: scheduler, sink: sink}
	inner.OnEvent(e.dispatch)
	return e
}

func (e *inProcessEngine) dispatch(ev Event) {
	if e.scheduler.Post(func() { e.sink.Emit(ev) }) {
		return
	}
	// Owner context is gone. Deliver best-effort rather than drop the
	// event silently (mirrors the Correlation Registry's last-resort
	// strategy in correlation.go).
	e.sink.Emit(ev)
}

func (e *inProcessEngine) SetLineBreakpoints(ctx context.Context, source string, specs []LineBreakpointSpec) ([]ResolvedBreakpoint, error) {
	return e.inner.SetLineBreakpoints(ctx, source, specs)
}

func (e *inProcessEngine) SetFunctionBreakpoints(ctx context.Context, specs []FunctionBreakpointSpec) ([]ResolvedBreakpoint, error) {
	return e.inner.SetFunctionBreakpoints(ctx, specs)
}

func (e *inProcessEngine) SetExceptionFilters(ctx context.Context, filters []ExceptionFilterID) error {
	return e.inner.SetExceptionFilters(ctx, filters)
}

func (e *inProcessEngine) RegisterWatches(ctx context.Context, watches []Watch) error {
	return e.inner.RegisterWatches(ctx, watches)
}

func (e *inProcessEngine) Continue(ctx context.Context, threadID int) error {
	return e.inner.Continue(ctx, threadID)
}

func (e *inProcessEngine) Pause(ctx context.Context, threadID int) error {
	return e.inner.Pause(ctx, threadID)
}

func (e *inProcessEngine) Step(ctx context.Context, threadID int, mode StepMode, granularity StepGranularity) error {
	return e.inner.Step(ctx, threadID, mode, granularity)
}

func (e *inProcessEngine) Goto(ctx context.Context, threadID int, line int) error {
	return e.inner.Goto(ctx, threadID, line)
}

func (e *inProcessEngine) Threads(ctx context.Context) ([]Thread, error) {
	return e.inner.Threads(ctx)
}

func (e *inProcessEngine) StackTrace(ctx context.Context, threadID, start, count int) ([]Frame, error) {
	return e.inner.StackTrace(ctx, threadID, start, count)
}

func (e *inProcessEngine) Scopes(ctx context.Context, frameID int) ([]Scope, error) {
	return e.inner.Scopes(ctx, frameID)
}

func (e *inProcessEngine) Variables(ctx context.Context, handle, start, count int) ([]Variable, error) {
	return e.inner.Variables(ctx, handle, start, count)
}

func (e *inProcessEngine) SetVariable(ctx context.Context, containerHandle int, name, value string) (Variable, error) {
	return e.inner.SetVariable(ctx, containerHandle, name, value)
}

func (e *inProcessEngine) SetExpression(ctx context.Context, expr, value string, frameID int) (Variable, error) {
	return e.inner.SetExpression(ctx, expr, value, frameID)
}

func (e *inProcessEngine) Evaluate(ctx context.Context, expr string, frameID int, evalCtx EvalContext) (Variable, error) {
	return e.inner.Evaluate(ctx, expr, frameID, evalCtx)
}

func (e *inProcessEngine) Completions(ctx context.Context, text string, column, frameID int) ([]CompletionItem, error) {
	return e.inner.Completions(ctx, text, column, frameID)
}

func (e *inProcessEngine) ExceptionInfo(ctx context.Context, threadID int) (ExceptionDetails, error) {
	return e.inner.ExceptionInfo(ctx, threadID)
}

func (e *inProcessEngine) ReloadModule(ctx context.Context, sourcePath string, opts ReloadOptions) (HotReloadResult, error) {
	return e.inner.ReloadModule(ctx, sourcePath, opts)
}

func (e *inProcessEngine) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	return e.inner.Disconnect(ctx, terminateDebuggee)
}

var _ Engine = (*inProcessEngine)(nil)
