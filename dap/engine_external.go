package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

const commandTimeout = 5 * time.Second

// externalEngine is the subprocess Engine backend: every Engine call is
// encoded as a wire command, tracked by the Correlation Registry,
// written through the Multiplexer, and matched back to its response
// when it arrives on the reader goroutine below.
type externalEngine struct {
	mux  *Multiplexer
	corr *CorrelationRegistry
	sink EventSink

	eventHandlers map[string]func(json.RawMessage) (Event, error)
}

// NewExternalEngine builds the external backend over an already
// accepted engine connection and starts its single reader goroutine.
// scheduler is the session's owner-context Scheduler (server.go),
// used by the Correlation Registry's strategy chain.
func NewExternalEngine(mux *Multiplexer, scheduler Scheduler, sink EventSink) *externalEngine {
	e := &externalEngine{
		mux:  mux,
		corr: NewCorrelationRegistry(scheduler),
		sink: sink,
	}
	e.eventHandlers = map[string]func(json.RawMessage) (Event, error){
		"stopped":       e.decodeStopped,
		"continued":     e.decodeContinued,
		"thread":        e.decodeThread,
		"output":        e.decodeOutput,
		"exited":        e.decodeExited,
		"module":        e.decodeModule,
		"loaded_source": e.decodeLoadedSource,
		"process":       e.decodeProcess,
		"child_process": e.decodeChildProcess,
	}
	return e
}

// Run consumes frames until the connection closes or ctx is canceled.
// It must run on its own goroutine; events and responses are
// delivered via sink/Correlation Registry regardless of which
// goroutine decoded them.
func (e *externalEngine) Run(ctx context.Context, r *bufio.Reader) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := Decode(r)
		if err != nil {
			if err == io.EOF {
				e.corr.Shutdown(newError(KindTransport, "engine connection closed", nil))
				return nil
			}
			e.corr.Shutdown(err)
			return err
		}

		switch msg.Kind {
		case FrameResponse:
			e.handleResponse(msg)
		case FrameEvent:
			e.handleEvent(msg)
		case FrameLog:
			e.handleLog(msg)
		default:
			logrus.WithField("kind", msg.Kind).Debug("engine: unknown frame kind")
		}
	}
}

// responseEnvelope is the fixed outer shape of every FrameResponse
// payload. The result itself (which may be an array, a scalar, or an
// object, depending on the command) travels in Body so that the outer
// unmarshal into the envelope never fights with the inner unmarshal
// into call()'s out parameter.
type responseEnvelope struct {
	ID    int64           `json:"id"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

func (e *externalEngine) handleResponse(msg *EngineMessage) {
	var env responseEnvelope
	if err := msg.Unmarshal(&env); err != nil {
		logrus.WithError(err).Warn("engine: malformed response frame")
		return
	}
	if env.Error != "" {
		e.corr.Fail(env.ID, newError(KindEngine, env.Error, nil))
		return
	}
	e.corr.Fulfill(env.ID, env.Body)
}

func (e *externalEngine) handleEvent(msg *EngineMessage) {
	fn, ok := e.eventHandlers[msg.Type]
	if !ok {
		logrus.WithField("type", msg.Type).Debug("engine: unrecognized event type")
		return
	}
	ev, err := fn(msg.Raw)
	if err != nil {
		logrus.WithError(err).WithField("type", msg.Type).Warn("engine: malformed event payload")
		return
	}
	e.sink.Emit(ev)
}

func (e *externalEngine) handleLog(msg *EngineMessage) {
	var body struct {
		Category string `json:"category"`
		Text     string `json:"text"`
	}
	if err := msg.Unmarshal(&body); err != nil {
		return
	}
	e.sink.Emit(Event{Output: &OutputEvent{Category: body.Category, Text: body.Text}})
}

func (e *externalEngine) decodeStopped(raw json.RawMessage) (Event, error) {
	var body StoppedEvent
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{Stopped: &body}, nil
}

func (e *externalEngine) decodeContinued(raw json.RawMessage) (Event, error) {
	var body ContinuedEvent
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{Continued: &body}, nil
}

func (e *externalEngine) decodeThread(raw json.RawMessage) (Event, error) {
	var body ThreadEvent
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{Thread: &body}, nil
}

func (e *externalEngine) decodeOutput(raw json.RawMessage) (Event, error) {
	var body OutputEvent
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{Output: &body}, nil
}

func (e *externalEngine) decodeExited(raw json.RawMessage) (Event, error) {
	var body ExitedEvent
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{Exited: &body}, nil
}

func (e *externalEngine) decodeModule(raw json.RawMessage) (Event, error) {
	var body ModuleEvent
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{Module: &body}, nil
}

func (e *externalEngine) decodeLoadedSource(raw json.RawMessage) (Event, error) {
	var body struct {
		Kind string `json:"kind"`
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{LoadedSource: &LoadedSourceEvent{Kind: body.Kind, Source: &dap.Source{Name: body.Name, Path: body.Path}}}, nil
}

func (e *externalEngine) decodeProcess(raw json.RawMessage) (Event, error) {
	var body ProcessEvent
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{Process: &body}, nil
}

func (e *externalEngine) decodeChildProcess(raw json.RawMessage) (Event, error) {
	var body ChildProcessEngineEvent
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, err
	}
	return Event{ChildProcess: &body}, nil
}

// call sends one command frame and blocks for its matched response,
// decoding the result payload into out (skipped if out is nil).
func (e *externalEngine) call(ctx context.Context, command string, args any, out any) error {
	id, wait := e.corr.Register(command, commandTimeout)

	payload := struct {
		Type string `json:"type"`
		ID   int64  `json:"id"`
		Args any    `json:"args,omitempty"`
	}{Type: command, ID: id, Args: args}

	if err := e.mux.Send(FrameCommand, payload); err != nil {
		e.corr.Fail(id, err)
		return err
	}

	resp, err := wait(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, ok := resp.(json.RawMessage)
	if !ok {
		return newError(KindInternal, "unexpected engine response shape", nil)
	}
	return json.Unmarshal(raw, out)
}

func (e *externalEngine) SetLineBreakpoints(ctx context.Context, source string, specs []LineBreakpointSpec) ([]ResolvedBreakpoint, error) {
	var out []ResolvedBreakpoint
	err := e.call(ctx, "set_line_breakpoints", struct {
		Source string               `json:"source"`
		Specs  []LineBreakpointSpec `json:"specs"`
	}{source, specs}, &out)
	return out, err
}

func (e *externalEngine) SetFunctionBreakpoints(ctx context.Context, specs []FunctionBreakpointSpec) ([]ResolvedBreakpoint, error) {
	var out []ResolvedBreakpoint
	err := e.call(ctx, "set_function_breakpoints", struct {
		Specs []FunctionBreakpointSpec `json:"specs"`
	}{specs}, &out)
	return out, err
}

func (e *externalEngine) SetExceptionFilters(ctx context.Context, filters []ExceptionFilterID) error {
	return e.call(ctx, "set_exception_filters", struct {
		Filters []ExceptionFilterID `json:"filters"`
	}{filters}, nil)
}

func (e *externalEngine) RegisterWatches(ctx context.Context, watches []Watch) error {
	return e.call(ctx, "register_watches", struct {
		Watches []Watch `json:"watches"`
	}{watches}, nil)
}

func (e *externalEngine) Continue(ctx context.Context, threadID int) error {
	return e.call(ctx, "continue", struct {
		ThreadID int `json:"thread_id"`
	}{threadID}, nil)
}

func (e *externalEngine) Pause(ctx context.Context, threadID int) error {
	return e.call(ctx, "pause", struct {
		ThreadID int `json:"thread_id"`
	}{threadID}, nil)
}

func (e *externalEngine) Step(ctx context.Context, threadID int, mode StepMode, granularity StepGranularity) error {
	return e.call(ctx, "step", struct {
		ThreadID    int             `json:"thread_id"`
		Mode        StepMode        `json:"mode"`
		Granularity StepGranularity `json:"granularity"`
	}{threadID, mode, granularity}, nil)
}

func (e *externalEngine) Goto(ctx context.Context, threadID int, line int) error {
	var out struct {
		Supported bool `json:"supported"`
	}
	if err := e.call(ctx, "goto", struct {
		ThreadID int `json:"thread_id"`
		Line     int `json:"line"`
	}{threadID, line}, &out); err != nil {
		return err
	}
	if !out.Supported {
		return ErrUnsupported
	}
	return nil
}

func (e *externalEngine) Threads(ctx context.Context) ([]Thread, error) {
	var out []Thread
	err := e.call(ctx, "threads", nil, &out)
	return out, err
}

func (e *externalEngine) StackTrace(ctx context.Context, threadID, start, count int) ([]Frame, error) {
	var out []Frame
	err := e.call(ctx, "stack_trace", struct {
		ThreadID int `json:"thread_id"`
		Start    int `json:"start"`
		Count    int `json:"count"`
	}{threadID, start, count}, &out)
	return out, err
}

func (e *externalEngine) Scopes(ctx context.Context, frameID int) ([]Scope, error) {
	var out []Scope
	err := e.call(ctx, "scopes", struct {
		FrameID int `json:"frame_id"`
	}{frameID}, &out)
	return out, err
}

func (e *externalEngine) Variables(ctx context.Context, handle, start, count int) ([]Variable, error) {
	var out []Variable
	err := e.call(ctx, "variables", struct {
		Handle int `json:"handle"`
		Start  int `json:"start"`
		Count  int `json:"count"`
	}{handle, start, count}, &out)
	return out, err
}

func (e *externalEngine) SetVariable(ctx context.Context, containerHandle int, name, value string) (Variable, error) {
	var out Variable
	err := e.call(ctx, "set_variable", struct {
		Container int    `json:"container"`
		Name      string `json:"name"`
		Value     string `json:"value"`
	}{containerHandle, name, value}, &out)
	return out, err
}

func (e *externalEngine) SetExpression(ctx context.Context, expr, value string, frameID int) (Variable, error) {
	var out struct {
		Variable
		Supported bool `json:"supported"`
	}
	out.Supported = true
	err := e.call(ctx, "set_expression", struct {
		Expr    string `json:"expr"`
		Value   string `json:"value"`
		FrameID int    `json:"frame_id"`
	}{expr, value, frameID}, &out)
	if err != nil {
		return Variable{}, err
	}
	if !out.Supported {
		return Variable{}, ErrUnsupported
	}
	return out.Variable, nil
}

func (e *externalEngine) Evaluate(ctx context.Context, expr string, frameID int, evalCtx EvalContext) (Variable, error) {
	var out Variable
	err := e.call(ctx, "evaluate", struct {
		Expr    string      `json:"expr"`
		FrameID int         `json:"frame_id"`
		Context EvalContext `json:"context"`
	}{expr, frameID, evalCtx}, &out)
	return out, err
}

func (e *externalEngine) Completions(ctx context.Context, text string, column, frameID int) ([]CompletionItem, error) {
	var out []CompletionItem
	err := e.call(ctx, "completions", struct {
		Text    string `json:"text"`
		Column  int    `json:"column"`
		FrameID int    `json:"frame_id"`
	}{text, column, frameID}, &out)
	return out, err
}

func (e *externalEngine) ExceptionInfo(ctx context.Context, threadID int) (ExceptionDetails, error) {
	var out ExceptionDetails
	err := e.call(ctx, "exception_info", struct {
		ThreadID int `json:"thread_id"`
	}{threadID}, &out)
	return out, err
}

func (e *externalEngine) ReloadModule(ctx context.Context, sourcePath string, opts ReloadOptions) (HotReloadResult, error) {
	var out HotReloadResult
	err := e.call(ctx, "reload_module", struct {
		SourcePath string        `json:"source_path"`
		Options    ReloadOptions `json:"options"`
	}{sourcePath, opts}, &out)
	return out, err
}

func (e *externalEngine) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	return e.call(ctx, "disconnect", struct {
		TerminateDebuggee bool `json:"terminate_debuggee"`
	}{terminateDebuggee}, nil)
}

var _ Engine = (*externalEngine)(nil)
