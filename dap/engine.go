package dap

import (
	"context"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
)

// ErrUnsupported is returned by an Engine method whose backend cannot
// perform the operation (e.g. Goto on an engine with no reverse
// bytecode pointer, SetExpression on a read-only evaluator). Session
// translates it into a DAP "not supported" response rather than
// failing the request outright.
var ErrUnsupported = errors.New("engine: operation not supported")

type StepMode string

const (
	StepOver StepMode = "over"
	StepIn   StepMode = "in"
	StepOut  StepMode = "out"
)

type StepGranularity string

const (
	GranularityStatement  StepGranularity = "statement"
	GranularityLine       StepGranularity = "line"
	GranularityInstruction StepGranularity = "instruction"
)

// Thread is the Engine's view of a schedulable unit of execution,
// including async pseudo-threads.
type Thread struct {
	ID   int
	Name string
}

// Frame is one stack frame, ready to render as a dap.StackFrame once
// its Source is resolved through the Source Catalog.
type Frame struct {
	ID         int
	Name       string
	Source     *dap.Source
	Line       int
	Column     int
	EndLine    int
	EndColumn  int
	Async      bool // belongs to the async frame filter
	CanRestart bool
}

// Scope is an engine-local lazy container; Handle is opaque to the
// session and is only ever round-tripped back into Variables.
type Scope struct {
	Name               string
	PresentationHint   string
	Handle             int
	NamedVariables     int
	Expensive          bool
}

// Variable is one engine-reported value. Handle, like Scope.Handle, is
// an opaque engine-local reference; 0 means the value is a leaf.
type Variable struct {
	Name           string
	Value          string
	Type           string
	Handle         int
	NamedVariables int
	Kind           PresentationKind
	Visibility     Visibility
	Attributes     []Attribute
	EvalName       string
}

// LineBreakpointSpec and FunctionBreakpointSpec are what the Session
// sends an Engine after resolving client requests through the
// Breakpoint Store (breakpoints.go).
type LineBreakpointSpec struct {
	Line         int
	Condition    string
	HitCondition string
	LogMessage   string
}

type FunctionBreakpointSpec struct {
	QualifiedName string
	Condition     string
	HitCondition  string
}

// ResolvedBreakpoint is the engine's verification response for one
// requested breakpoint, in request order.
type ResolvedBreakpoint struct {
	Verified bool
	Line     int // resolved line, for line breakpoints whose requested line moved
	Message  string
}

// Watch is a variable or expression watch registered ahead of a run
//, used by watchpoint evaluation in the
// Stop/Step Coordinator.
type Watch struct {
	ID         string
	IsExpr     bool
	Target     string
	FrameIdx   int
	AccessType AccessType
}

// EvalContext is the purpose a client gave for an evaluate request —
// engines may restrict side effects in hover/watch context even when
// repl allows them.
type EvalContext string

const (
	EvalHover     EvalContext = "hover"
	EvalWatch     EvalContext = "watch"
	EvalRepl      EvalContext = "repl"
	EvalVariables EvalContext = "variables"
)

// CompletionItem mirrors dap.CompletionItem's fields the Engine is
// responsible for producing.
type CompletionItem struct {
	Label  string
	Text   string
	Type   string
	Start  int
	Length int
}

// ExceptionDetails is the engine's answer to exception_info.
type ExceptionDetails struct {
	ExceptionID string
	Description string
	BreakMode   string
	StackTrace  string
	Details     []ExceptionDetails
}

// ReloadOptions configures reload_module.
type ReloadOptions struct {
	RebindFrames bool
}

// StoppedEvent through ChildProcessEvent mirror the engine->core event
// vocabulary.
type StoppedEvent struct {
	ThreadID          int
	Reason            string
	HitIDs            []int
	Description       string
	AllThreadsStopped bool
}

type ContinuedEvent struct {
	ThreadID             int
	AllThreadsContinued bool
}

type ThreadEvent struct {
	Kind     string // started | exited
	ThreadID int
	Name     string
}

type OutputEvent struct {
	Category string
	Text     string
}

type ExitedEvent struct {
	Code int
}

type ModuleInfo struct {
	ID   string
	Name string
	Path string
}

type ModuleEvent struct {
	Kind   string // new | changed | removed
	Module ModuleInfo
}

type LoadedSourceEvent struct {
	Kind   string // new | changed | removed
	Source *dap.Source
}

type ProcessEvent struct {
	Name        string
	PID         int
	StartMethod string
}

type ChildProcessEngineEvent struct {
	PID       int
	Endpoint  string
	ParentPID int
}

// Event is a tagged union of the engine->core events; exactly one
// field is non-nil. Backends deliver these to the session's EventSink
// (session.go).
type Event struct {
	Stopped      *StoppedEvent
	Continued    *ContinuedEvent
	Thread       *ThreadEvent
	Output       *OutputEvent
	Exited       *ExitedEvent
	Module       *ModuleEvent
	LoadedSource *LoadedSourceEvent
	Process      *ProcessEvent
	ChildProcess *ChildProcessEngineEvent
}

// EventSink receives engine events. Session implements this and
// dispatches each Event to the right DAP event on its own execution
// context, regardless of which goroutine Emit was called from (spec
// §5's cross-context scheduler guarantee).
type EventSink interface {
	Emit(Event)
}

// Engine is the contract either backend (engine_external.go,
// engine_inprocess.go) implements on behalf of the debuggee (spec
// §4.6). Every method is async and cancel-safe: a canceled ctx must
// not leave the backend's internal bookkeeping (pending commands,
// correlation ids) in a state that misattributes a later response.
type Engine interface {
	SetLineBreakpoints(ctx context.Context, source string, specs []LineBreakpointSpec) ([]ResolvedBreakpoint, error)
	SetFunctionBreakpoints(ctx context.Context, specs []FunctionBreakpointSpec) ([]ResolvedBreakpoint, error)
	SetExceptionFilters(ctx context.Context, filters []ExceptionFilterID) error
	RegisterWatches(ctx context.Context, watches []Watch) error

	Continue(ctx context.Context, threadID int) error
	Pause(ctx context.Context, threadID int) error
	Step(ctx context.Context, threadID int, mode StepMode, granularity StepGranularity) error
	Goto(ctx context.Context, threadID int, line int) error

	Threads(ctx context.Context) ([]Thread, error)
	StackTrace(ctx context.Context, threadID, start, count int) ([]Frame, error)
	Scopes(ctx context.Context, frameID int) ([]Scope, error)
	Variables(ctx context.Context, handle, start, count int) ([]Variable, error)
	SetVariable(ctx context.Context, containerHandle int, name, value string) (Variable, error)
	SetExpression(ctx context.Context, expr, value string, frameID int) (Variable, error)

	Evaluate(ctx context.Context, expr string, frameID int, evalCtx EvalContext) (Variable, error)
	Completions(ctx context.Context, text string, column, frameID int) ([]CompletionItem, error)
	ExceptionInfo(ctx context.Context, threadID int) (ExceptionDetails, error)

	ReloadModule(ctx context.Context, sourcePath string, opts ReloadOptions) (HotReloadResult, error)

	Disconnect(ctx context.Context, terminateDebuggee bool) error
}

// TraceDelegate lets an in-process engine hand its breakpoint, step,
// watch, and exception decisions to the Session driving it instead of
// keeping an independent copy of that bookkeeping (step.go,
// breakpoints.go). Binding one is only meaningful for engines built to
// run in the same address space as the Session — the decision point
// below is a direct synchronous call, not a wire message, so it has no
// equivalent for an engine driven over the external transport.
//
// An engine that wants to be bound exposes a BindTraceDelegate(TraceDelegate)
// method; lifecycle.go looks for it via an optional-interface check
// when constructing the in-process backend.
type TraceDelegate interface {
	// OnLine is called with the engine's lock held, immediately before
	// it executes the instruction at (source, line, depth) in frame.
	// eval and evalBool let the delegate evaluate breakpoint
	// conditions and watch expressions against that exact frame.
	OnLine(source string, line, depth int, frame Frame, eval func(expr string) (string, error), evalBool func(expr string) (bool, error)) (stop bool, reason string, hitIDs []int, description string)

	// OnCall is the function-breakpoint counterpart of OnLine, called
	// immediately before a call instruction runs.
	OnCall(name string, depth int, frame Frame, evalBool func(expr string) (bool, error)) (stop bool, reason string, hitIDs []int)

	// ArmStep installs the predicate for an outstanding step request;
	// DisarmStep clears it once continue runs or the predicate fires.
	ArmStep(mode StepMode, granularity StepGranularity, fromDepth int, fromName string)
	DisarmStep()

	// OnRaise/OnHandled/OnUnwind drive the exception phase machine.
	// OnRaise and OnUnwind's bool return tells the engine whether to
	// break now.
	OnRaise(exceptionID, source string) (stop bool, reason string)
	OnHandled(exceptionID string)
	OnUnwind(exceptionID string, unwoundPastUserCode bool) (stop bool, reason string)
}
