package dap

import (
	"context"
	"io"
	"sync"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// State is a node of the session state machine.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateConfiguring
	StateRunning
	StateStopped
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Configuration is everything a launch/attach needs to remember in
// order to replay it on restart, plus the launcher flags
// threaded through from the command line.
type Configuration struct {
	InProcess bool

	Program string
	Module  string
	Args    []string
	Cwd     string
	Env     map[string]string

	StopOnEntry                 bool
	JustMyCode                  bool
	SubprocessAutoAttach        bool
	StrictExpressionWatchPolicy bool
	SessionID                   string

	Transport TransportKind

	// AsyncFrameNames overrides defaultAsyncFrameNames; nil means use
	// the built-in default list.
	AsyncFrameNames []string

	// InProcessFactory builds the in-process engine when InProcess is
	// set; required in that mode, ignored otherwise.
	InProcessFactory func() InProcessEngine

	// SelfTestEngine, set only under DEBUG_SELFTEST_MODE, runs
	// the external backend's protocol counterpart against an in-memory
	// connection instead of spawning a real subprocess.
	SelfTestEngine func(conn io.ReadWriteCloser)
}

func (c Configuration) asyncFrameNames() []string {
	if c.AsyncFrameNames != nil {
		return c.AsyncFrameNames
	}
	return defaultAsyncFrameNames
}

// Session is the session state machine: it owns every
// other component (Breakpoint Store, Variable/Source Catalog,
// Stop/Step Coordinator, Lifecycle, Hot Reload) and is the only piece
// of session state the DAP request handlers are allowed to touch —
// everything here runs on the Session context.
type Session struct {
	mu    sync.Mutex
	state State
	cfg   Configuration

	clientSupportsRunInTerminal bool

	server *Server
	engine Engine

	breakpoints *BreakpointStore
	vars        *VariableCatalog
	sources     *SourceCatalog
	exceptions  *exceptionTracker
	watches     *WatchpointTracker
	hotReload   *hotReloadService
	lifecycle   *lifecycleManager

	// evalSem single-flights evaluate requests: concurrent evaluates
	// against one debuggee thread race each other on the wire protocol
	// the same way docker-buildx's debug shell does (dap/debug_shell.go).
	evalSem *semaphore.Weighted

	// currentStop is non-nil only while state==StateStopped; it holds
	// the stepping/watchpoint bookkeeping for the live stop cycle.
	currentStop *stopCycle

	// stepMu guards stepPred, the predicate armed by a next/stepIn/
	// stepOut request when this session is bound as an engine's
	// TraceDelegate (coordinator.go).
	stepMu   sync.Mutex
	stepPred StepPredicate
}

// stopCycle is reset on every transition into Stopped and discarded
// (along with the Variable Catalog's handles) the moment the session
// leaves Stopped.
type stopCycle struct {
	threadID int
	identity stepIdentity
}

// NewSession builds a session bound to server for event delivery.
// Handler() returns the wired dap.Handler once construction is done.
func NewSession(server *Server, cfg Configuration) *Session {
	s := &Session{
		server:      server,
		cfg:         cfg,
		breakpoints: NewBreakpointStore(),
		vars:        NewVariableCatalog(),
		sources:     NewSourceCatalog(),
		evalSem:     semaphore.NewWeighted(1),
	}
	s.exceptions = newExceptionTracker(s.breakpoints, s.isUserCode)
	s.watches = NewWatchpointTracker(s.breakpoints)
	s.hotReload = newHotReloadService(s)
	s.lifecycle = newLifecycleManager(s)
	s.breakpoints.OnReadDowngrade(func(msg string) { s.emitOutput("console", msg+"\n") })
	return s
}

// Post implements Scheduler by handing fn to the server's cooperative
// dispatcher; the Correlation Registry and the in-process Engine
// backend both use this as their owner-context handoff.
func (s *Session) Post(fn func()) bool {
	return s.server.Go(func(c Context) { fn() })
}

// transition enforces the session's state table: it checks from is the
// current state, and if so moves to to. Callers needing to observe
// the pre-transition state pass a want set via requireAny below.
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return newError(KindProtocol, "request not valid in current session state", errors.Errorf("want %s, have %s", from, s.state))
	}
	s.state = to
	if to == StateStopped {
		s.currentStop = &stopCycle{}
	} else {
		s.vars.Reset()
		s.currentStop = nil
	}
	return nil
}

func (s *Session) requireAny(states ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, want := range states {
		if s.state == want {
			return nil
		}
	}
	return newError(KindProtocol, "request not valid in current session state", errors.Errorf("have %s", s.state))
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = to
	if to == StateStopped {
		s.currentStop = &stopCycle{}
	} else {
		s.vars.Reset()
		s.currentStop = nil
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// isUserCode is the user_unhandled filter's predicate: a
// source outside the library/runtime install roots. Lacking an actual
// install-root registry, a synthetic "<builtins>" or "<runtime>"
// source name is treated as non-user code, every other source as
// user code; engines that need a richer definition can front-load the
// distinction onto Frame.Name instead.
func (s *Session) isUserCode(source string) bool {
	return source != "" && source != "<builtins>" && source != "<runtime>"
}

// emitOutput schedules an "output" event on the session context.
func (s *Session) emitOutput(category, text string) {
	s.server.Go(func(c Context) {
		c.C() <- &dap.OutputEvent{
			Event: dap.Event{Event: "output"},
			Body:  dap.OutputEventBody{Category: category, Output: text},
		}
	})
}

// Emit implements EventSink: it is called from whatever goroutine the
// engine backend delivers events on (already marshaled onto the
// Session context for the in-process backend via Post above; the
// external backend relies on the same mechanism through the
// Correlation Registry's scheduler). Emit then renders each Engine
// event into its DAP wire shape.
func (s *Session) Emit(ev Event) {
	switch {
	case ev.Stopped != nil:
		s.onStopped(ev.Stopped)
	case ev.Continued != nil:
		s.setState(StateRunning)
		s.server.Go(func(c Context) {
			c.C() <- &dap.ContinuedEvent{
				Event: dap.Event{Event: "continued"},
				Body: dap.ContinuedEventBody{
					ThreadId:            ev.Continued.ThreadID,
					AllThreadsContinued: ev.Continued.AllThreadsContinued,
				},
			}
		})
	case ev.Thread != nil:
		s.server.Go(func(c Context) {
			c.C() <- &dap.ThreadEvent{
				Event: dap.Event{Event: "thread"},
				Body:  dap.ThreadEventBody{Reason: ev.Thread.Kind, ThreadId: ev.Thread.ThreadID},
			}
		})
	case ev.Output != nil:
		s.emitOutput(ev.Output.Category, ev.Output.Text)
	case ev.Exited != nil:
		s.server.Go(func(c Context) {
			c.C() <- &dap.ExitedEvent{Event: dap.Event{Event: "exited"}, Body: dap.ExitedEventBody{ExitCode: ev.Exited.Code}}
		})
	case ev.Module != nil:
		s.server.Go(func(c Context) {
			c.C() <- &dap.ModuleEvent{
				Event: dap.Event{Event: "module"},
				Body: dap.ModuleEventBody{
					Reason: ev.Module.Kind,
					Module: dap.Module{Id: ev.Module.Module.ID, Name: ev.Module.Module.Name, Path: ev.Module.Module.Path},
				},
			}
		})
	case ev.LoadedSource != nil:
		s.server.Go(func(c Context) {
			c.C() <- &dap.LoadedSourceEvent{
				Event: dap.Event{Event: "loadedSource"},
				Body:  dap.LoadedSourceEventBody{Reason: ev.LoadedSource.Kind, Source: *ev.LoadedSource.Source},
			}
		})
	case ev.Process != nil:
		s.server.Go(func(c Context) {
			c.C() <- &dap.ProcessEvent{
				Event: dap.Event{Event: "process"},
				Body: dap.ProcessEventBody{
					Name:            ev.Process.Name,
					SystemProcessId: ev.Process.PID,
					StartMethod:     ev.Process.StartMethod,
					IsLocalProcess:  true,
				},
			}
		})
	case ev.ChildProcess != nil:
		if !s.cfg.SubprocessAutoAttach {
			return
		}
		s.server.Go(func(c Context) {
			c.C() <- NewChildProcessEvent(ChildProcessEventBody{
				ProcessID: ev.ChildProcess.PID,
				Command:   ev.ChildProcess.Endpoint,
				SessionID: s.cfg.SessionID,
			})
		})
	}
}

func (s *Session) onStopped(ev *StoppedEvent) {
	s.setState(StateStopped)
	s.mu.Lock()
	if s.currentStop != nil {
		s.currentStop.threadID = ev.ThreadID
	}
	s.mu.Unlock()

	s.server.Go(func(c Context) {
		c.C() <- &dap.StoppedEvent{
			Event: dap.Event{Event: "stopped"},
			Body: dap.StoppedEventBody{
				Reason:            ev.Reason,
				Description:       ev.Description,
				ThreadId:          ev.ThreadID,
				AllThreadsStopped: ev.AllThreadsStopped,
			},
		}
	})
}

// Handler builds the dap.Handler wired to this session's methods. It
// is assembled in one place so the set of implemented requests stays
// in lockstep with handler.go's field list.
func (s *Session) Handler() Handler {
	return Handler{
		Initialize:        s.handleInitialize,
		Launch:            s.lifecycle.handleLaunch,
		Attach:            s.lifecycle.handleAttach,
		Restart:           s.lifecycle.handleRestart,
		Disconnect:        s.lifecycle.handleDisconnect,
		Terminate:         s.lifecycle.handleTerminate,
		ConfigurationDone: s.handleConfigurationDone,

		SetBreakpoints:          s.handleSetBreakpoints,
		SetFunctionBreakpoints:  s.handleSetFunctionBreakpoints,
		SetExceptionBreakpoints: s.handleSetExceptionBreakpoints,
		DataBreakpointInfo:      s.handleDataBreakpointInfo,
		SetDataBreakpoints:      s.handleSetDataBreakpoints,

		Continue:        s.handleContinue,
		Next:            s.handleNext,
		StepIn:          s.handleStepIn,
		StepOut:         s.handleStepOut,
		StepBack:        s.handleUnsupportedStepBack,
		ReverseContinue: s.handleUnsupportedReverseContinue,
		Pause:           s.handlePause,
		Goto:            s.handleGoto,

		Threads:       s.handleThreads,
		StackTrace:    s.handleStackTrace,
		Scopes:        s.handleScopes,
		Variables:     s.handleVariables,
		SetVariable:   s.handleSetVariable,
		SetExpression: s.handleSetExpression,

		Evaluate:      s.handleEvaluate,
		Completions:   s.handleCompletions,
		ExceptionInfo: s.handleExceptionInfo,
		Source:        s.handleSource,
		LoadedSources: s.handleLoadedSources,

		HotReload: s.hotReload.handle,
	}
}

func (s *Session) handleInitialize(c Context, req *dap.InitializeRequest, resp *InitializeResponse) error {
	if err := s.transition(StateUninitialized, StateInitialized); err != nil {
		return err
	}
	s.clientSupportsRunInTerminal = req.Arguments.SupportsRunInTerminalRequest
	resp.Body = capabilities(s.cfg)
	return nil
}

func (s *Session) handleConfigurationDone(c Context, req *dap.ConfigurationDoneRequest, resp *dap.ConfigurationDoneResponse) error {
	if err := s.requireAny(StateConfiguring); err != nil {
		return err
	}
	if s.cfg.StopOnEntry {
		s.setState(StateStopped)
	} else {
		s.setState(StateRunning)
	}
	return nil
}

func (s *Session) handleSetBreakpoints(c Context, req *dap.SetBreakpointsRequest, resp *dap.SetBreakpointsResponse) error {
	if err := s.requireAny(StateInitialized, StateConfiguring, StateRunning, StateStopped); err != nil {
		return err
	}
	source := req.Arguments.Source.Path
	bps := s.breakpoints.ReplaceLine(source, req.Arguments.Breakpoints)

	specs := make([]LineBreakpointSpec, len(bps))
	for i, bp := range bps {
		specs[i] = LineBreakpointSpec{Line: bp.Line, Condition: bp.Condition, HitCondition: bp.HitCondition, LogMessage: bp.LogMessage}
	}

	resolved, err := s.engine.SetLineBreakpoints(c, source, specs)
	if err != nil {
		return newError(KindEngine, "set line breakpoints", err)
	}

	out := make([]dap.Breakpoint, len(bps))
	for i, bp := range bps {
		verified, line, msg := bp.Verified, bp.Line, ""
		if i < len(resolved) {
			verified, line = resolved[i].Verified, resolved[i].Line
			msg = resolved[i].Message
			if line == 0 {
				line = bp.Line
			}
			s.breakpoints.MarkVerified(source, bp.Line, line)
		}
		out[i] = dap.Breakpoint{
			Id:       bp.ID,
			Verified: verified,
			Line:     line,
			Message:  msg,
			Source:   &dap.Source{Path: source},
		}
	}
	resp.Body.Breakpoints = out
	return nil
}

func (s *Session) handleSetFunctionBreakpoints(c Context, req *dap.SetFunctionBreakpointsRequest, resp *dap.SetFunctionBreakpointsResponse) error {
	if err := s.requireAny(StateInitialized, StateConfiguring, StateRunning, StateStopped); err != nil {
		return err
	}
	bps := s.breakpoints.ReplaceFunction(req.Arguments.Breakpoints)
	specs := make([]FunctionBreakpointSpec, len(bps))
	for i, bp := range bps {
		specs[i] = FunctionBreakpointSpec{QualifiedName: bp.QualifiedName, Condition: bp.Condition, HitCondition: bp.HitCondition}
	}

	resolved, err := s.engine.SetFunctionBreakpoints(c, specs)
	if err != nil {
		return newError(KindEngine, "set function breakpoints", err)
	}

	out := make([]dap.Breakpoint, len(bps))
	for i, bp := range bps {
		verified := false
		msg := ""
		if i < len(resolved) {
			verified, msg = resolved[i].Verified, resolved[i].Message
		}
		out[i] = dap.Breakpoint{Id: bp.ID, Verified: verified, Message: msg}
	}
	resp.Body.Breakpoints = out
	return nil
}

func (s *Session) handleSetExceptionBreakpoints(c Context, req *dap.SetExceptionBreakpointsRequest, resp *dap.SetExceptionBreakpointsResponse) error {
	if err := s.requireAny(StateInitialized, StateConfiguring, StateRunning, StateStopped); err != nil {
		return err
	}
	s.breakpoints.ReplaceExceptionFilters(req.Arguments.Filters)
	return s.engine.SetExceptionFilters(c, toFilterIDs(req.Arguments.Filters))
}

func toFilterIDs(ids []string) []ExceptionFilterID {
	out := make([]ExceptionFilterID, len(ids))
	for i, id := range ids {
		out[i] = ExceptionFilterID(id)
	}
	return out
}

func (s *Session) handleDataBreakpointInfo(c Context, req *dap.DataBreakpointInfoRequest, resp *dap.DataBreakpointInfoResponse) error {
	if req.Arguments.VariablesReference == 0 {
		return newError(KindProtocol, "data_breakpoint_info requires a variable container", nil)
	}
	resp.Body.DataId = "frame:0:var:" + req.Arguments.Name
	resp.Body.Description = req.Arguments.Name
	resp.Body.AccessTypes = []dap.DataBreakpointAccessType{"read", "write", "readWrite"}
	return nil
}

func (s *Session) handleSetDataBreakpoints(c Context, req *dap.SetDataBreakpointsRequest, resp *dap.SetDataBreakpointsResponse) error {
	if err := s.requireAny(StateInitialized, StateConfiguring, StateRunning, StateStopped); err != nil {
		return err
	}
	resolved, results := s.breakpoints.ReplaceData(req.Arguments.Breakpoints, s.cfg.StrictExpressionWatchPolicy, false)
	if err := s.engine.RegisterWatches(c, toWatches(resolved)); err != nil {
		return newError(KindEngine, "register watches", err)
	}
	resp.Body.Breakpoints = results
	return nil
}

// toWatches converts the Breakpoint Store's resolved data breakpoints
// into the Engine-facing Watch shape; used here and by the Hot Reload
// Service, which re-registers the current watch set after a reload.
func toWatches(bps []*DataBreakpoint) []Watch {
	out := make([]Watch, len(bps))
	for i, bp := range bps {
		out[i] = Watch{
			ID:         bp.DataID,
			IsExpr:     bp.IsExpr,
			Target:     bp.Target,
			FrameIdx:   bp.FrameIdx,
			AccessType: bp.AccessType,
		}
	}
	return out
}

func (s *Session) handleThreads(c Context, req *dap.ThreadsRequest, resp *dap.ThreadsResponse) error {
	threads, err := s.engine.Threads(c)
	if err != nil {
		return newError(KindEngine, "list threads", err)
	}
	out := make([]dap.Thread, len(threads))
	for i, th := range threads {
		out[i] = dap.Thread{Id: th.ID, Name: th.Name}
	}
	resp.Body.Threads = out
	return nil
}

func (s *Session) handleStackTrace(c Context, req *dap.StackTraceRequest, resp *dap.StackTraceResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	frames, err := s.engine.StackTrace(c, req.Arguments.ThreadId, req.Arguments.StartFrame, req.Arguments.Levels)
	if err != nil {
		return newError(KindEngine, "stack trace", err)
	}

	s.mu.Lock()
	if s.currentStop != nil && len(frames) > 0 {
		s.currentStop.identity = stepIdentity{depth: 0, name: frames[0].Name}
	}
	s.mu.Unlock()

	out := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		src := f.Source
		if src == nil {
			src = &dap.Source{Name: "<unknown>"}
		}
		out[i] = dap.StackFrame{
			Id:        f.ID,
			Name:      f.Name,
			Source:    src,
			Line:      f.Line,
			Column:    f.Column,
			EndLine:   f.EndLine,
			EndColumn: f.EndColumn,
			CanRestart: f.CanRestart,
		}
	}
	resp.Body.StackFrames = out
	resp.Body.TotalFrames = len(out)
	return nil
}

func (s *Session) handleScopes(c Context, req *dap.ScopesRequest, resp *dap.ScopesResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	scopes, err := s.engine.Scopes(c, req.Arguments.FrameId)
	if err != nil {
		return newError(KindEngine, "scopes", err)
	}

	out := make([]dap.Scope, len(scopes))
	for i, sc := range scopes {
		handle := sc.Handle
		out[i] = dap.Scope{
			Name:               sc.Name,
			PresentationHint:   sc.PresentationHint,
			Expensive:          sc.Expensive,
			NamedVariables:     sc.NamedVariables,
			VariablesReference: s.vars.New(func() []dap.Variable {
				vars, err := s.engine.Variables(context.Background(), handle, 0, 0)
				if err != nil {
					return nil
				}
				return s.toDAPVariables(vars)
			}),
		}
	}
	resp.Body.Scopes = out
	return nil
}

func (s *Session) toDAPVariables(vars []Variable) []dap.Variable {
	out := make([]dap.Variable, len(vars))
	for i, v := range vars {
		out[i] = s.toDAPVariable(v)
	}
	return out
}

func (s *Session) toDAPVariable(v Variable) dap.Variable {
	out := dap.Variable{
		Name:               v.Name,
		Value:              v.Value,
		Type:               v.Type,
		EvaluateName:       v.EvalName,
		NamedVariables:     v.NamedVariables,
		VariablesReference: 0,
	}
	if v.Handle != 0 {
		handle := v.Handle
		out.VariablesReference = s.vars.New(func() []dap.Variable {
			children, err := s.engine.Variables(context.Background(), handle, 0, 0)
			if err != nil {
				return nil
			}
			return s.toDAPVariables(children)
		})
	}
	if v.Kind != "" || v.Visibility != "" || len(v.Attributes) > 0 {
		attrs := make([]string, len(v.Attributes))
		for i, a := range v.Attributes {
			attrs[i] = string(a)
		}
		out.PresentationHint = &dap.VariablePresentationHint{
			Kind:       string(v.Kind),
			Visibility: string(v.Visibility),
			Attributes: attrs,
		}
	}
	return out
}

func (s *Session) handleVariables(c Context, req *dap.VariablesRequest, resp *dap.VariablesResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	resp.Body.Variables = s.vars.Get(req.Arguments.VariablesReference)
	return nil
}

func (s *Session) handleSetVariable(c Context, req *dap.SetVariableRequest, resp *dap.SetVariableResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	v, err := s.engine.SetVariable(c, req.Arguments.VariablesReference, req.Arguments.Name, req.Arguments.Value)
	if err != nil {
		return newError(KindEvaluation, "set variable", err)
	}
	rendered := s.toDAPVariable(v)
	resp.Body.Value = rendered.Value
	resp.Body.Type = rendered.Type
	resp.Body.VariablesReference = rendered.VariablesReference
	return nil
}

func (s *Session) handleSetExpression(c Context, req *dap.SetExpressionRequest, resp *dap.SetExpressionResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	v, err := s.engine.SetExpression(c, req.Arguments.Expression, req.Arguments.Value, req.Arguments.FrameId)
	if errors.Is(err, ErrUnsupported) {
		return newError(KindPolicy, "set_expression is not supported by this engine", err)
	}
	if err != nil {
		return newError(KindEvaluation, "set expression", err)
	}
	rendered := s.toDAPVariable(v)
	resp.Body.Value = rendered.Value
	resp.Body.Type = rendered.Type
	resp.Body.VariablesReference = rendered.VariablesReference
	return nil
}

func (s *Session) handleSource(c Context, req *dap.SourceRequest, resp *dap.SourceResponse) error {
	if req.Arguments.SourceReference != 0 {
		content, ok := s.sources.Content(req.Arguments.SourceReference)
		if !ok {
			return newError(KindProtocol, "unknown sourceReference", nil)
		}
		resp.Body.Content = content
		return nil
	}
	content, ok := s.sources.Resolve(req.Arguments.Source.Path)
	if !ok {
		return newError(KindProtocol, "source not found", nil)
	}
	resp.Body.Content = string(content)
	return nil
}

func (s *Session) handleLoadedSources(c Context, req *dap.LoadedSourcesRequest, resp *dap.LoadedSourcesResponse) error {
	// The baseline engine contract has no enumerate-all-modules call;
	// loaded sources are reported incrementally via loaded_source
	// events instead, so this returns an empty, successful
	// set rather than failing the request.
	resp.Body.Sources = []dap.Source{}
	return nil
}

func (s *Session) handleUnsupportedStepBack(c Context, req *dap.StepBackRequest, resp *dap.StepBackResponse) error {
	return newError(KindPolicy, "reverse execution is not supported", ErrUnsupported)
}

func (s *Session) handleUnsupportedReverseContinue(c Context, req *dap.ReverseContinueRequest, resp *dap.ReverseContinueResponse) error {
	return newError(KindPolicy, "reverse execution is not supported", ErrUnsupported)
}

var _ Scheduler = (*Session)(nil)
