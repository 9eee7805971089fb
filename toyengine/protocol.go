package toyengine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	dapcore "github.com/dapper-dbg/dapper/dap"
	"github.com/sirupsen/logrus"
)

// Server is the subprocess-side counterpart to dap/engine_external.go:
// it decodes C1 command frames off conn, dispatches each to an Engine
// method, and writes back the matching response/event/log frames.
// Exactly one Server runs per engine-IPC connection, whether that
// connection came from a real dialed socket (cmd/dapper's "engine"
// subcommand) or from lifecycle.go's DEBUG_SELFTEST_MODE net.Pipe
// seam — both hand Serve an io.ReadWriteCloser and never see the
// difference.
type Server struct {
	conn    io.ReadWriteCloser
	eng     *Engine
	writeMu sync.Mutex
}

// NewServer wires eng's event stream onto conn and returns a Server
// ready for Serve.
func NewServer(conn io.ReadWriteCloser, eng *Engine) *Server {
	s := &Server{conn: conn, eng: eng}
	eng.OnEvent(s.sendEvent)
	return s
}

// Serve reads command frames until conn closes or ctx is canceled. It
// starts the guest thread itself so callers only need to pass a ready
// Engine.
func (s *Server) Serve(ctx context.Context) error {
	s.eng.Start()

	r := bufio.NewReader(s.conn)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := dapcore.Decode(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Kind != dapcore.FrameCommand {
			logrus.WithField("kind", msg.Kind).Debug("toyengine: ignoring non-command frame")
			continue
		}
		go s.dispatch(ctx, msg)
	}
}

type commandEnvelope struct {
	ID   int64           `json:"id"`
	Args json.RawMessage `json:"args"`
}

func (s *Server) dispatch(ctx context.Context, msg *dapcore.EngineMessage) {
	var env commandEnvelope
	if err := msg.Unmarshal(&env); err != nil {
		logrus.WithError(err).Warn("toyengine: malformed command frame")
		return
	}

	body, err := s.handle(ctx, msg.Type, env.Args)
	if err != nil {
		s.sendResponse(env.ID, err.Error(), nil)
		return
	}
	s.sendResponse(env.ID, "", body)
}

func (s *Server) handle(ctx context.Context, cmd string, args json.RawMessage) (any, error) {
	switch cmd {
	case "set_line_breakpoints":
		var a struct {
			Source string                        `json:"source"`
			Specs  []dapcore.LineBreakpointSpec `json:"specs"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.SetLineBreakpoints(ctx, a.Source, a.Specs)

	case "set_function_breakpoints":
		var a struct {
			Specs []dapcore.FunctionBreakpointSpec `json:"specs"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.SetFunctionBreakpoints(ctx, a.Specs)

	case "set_exception_filters":
		var a struct {
			Filters []dapcore.ExceptionFilterID `json:"filters"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return nil, s.eng.SetExceptionFilters(ctx, a.Filters)

	case "register_watches":
		var a struct {
			Watches []dapcore.Watch `json:"watches"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return nil, s.eng.RegisterWatches(ctx, a.Watches)

	case "continue":
		var a struct {
			ThreadID int `json:"thread_id"`
		}
		_ = json.Unmarshal(args, &a)
		return nil, s.eng.Continue(ctx, a.ThreadID)

	case "pause":
		var a struct {
			ThreadID int `json:"thread_id"`
		}
		_ = json.Unmarshal(args, &a)
		return nil, s.eng.Pause(ctx, a.ThreadID)

	case "step":
		var a struct {
			ThreadID    int                     `json:"thread_id"`
			Mode        dapcore.StepMode        `json:"mode"`
			Granularity dapcore.StepGranularity `json:"granularity"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return nil, s.eng.Step(ctx, a.ThreadID, a.Mode, a.Granularity)

	case "goto":
		var a struct {
			ThreadID int `json:"thread_id"`
			Line     int `json:"line"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		err := s.eng.Goto(ctx, a.ThreadID, a.Line)
		supported := err == nil
		if err != nil && err != dapcore.ErrUnsupported {
			return nil, err
		}
		return struct {
			Supported bool `json:"supported"`
		}{supported}, nil

	case "threads":
		return s.eng.Threads(ctx)

	case "stack_trace":
		var a struct {
			ThreadID int `json:"thread_id"`
			Start    int `json:"start"`
			Count    int `json:"count"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.StackTrace(ctx, a.ThreadID, a.Start, a.Count)

	case "scopes":
		var a struct {
			FrameID int `json:"frame_id"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.Scopes(ctx, a.FrameID)

	case "variables":
		var a struct {
			Handle int `json:"handle"`
			Start  int `json:"start"`
			Count  int `json:"count"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.Variables(ctx, a.Handle, a.Start, a.Count)

	case "set_variable":
		var a struct {
			Container int    `json:"container"`
			Name      string `json:"name"`
			Value     string `json:"value"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.SetVariable(ctx, a.Container, a.Name, a.Value)

	case "set_expression":
		var a struct {
			Expr    string `json:"expr"`
			Value   string `json:"value"`
			FrameID int    `json:"frame_id"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		v, err := s.eng.SetExpression(ctx, a.Expr, a.Value, a.FrameID)
		supported := err != dapcore.ErrUnsupported
		if err != nil && err != dapcore.ErrUnsupported {
			return nil, err
		}
		return mergeJSON(v, map[string]any{"supported": supported}), nil

	case "evaluate":
		var a struct {
			Expr    string            `json:"expr"`
			FrameID int               `json:"frame_id"`
			Context dapcore.EvalContext `json:"context"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.Evaluate(ctx, a.Expr, a.FrameID, a.Context)

	case "completions":
		var a struct {
			Text    string `json:"text"`
			Column  int    `json:"column"`
			FrameID int    `json:"frame_id"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		items, err := s.eng.Completions(ctx, a.Text, a.Column, a.FrameID)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []dapcore.CompletionItem{}
		}
		return items, nil

	case "exception_info":
		var a struct {
			ThreadID int `json:"thread_id"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.ExceptionInfo(ctx, a.ThreadID)

	case "reload_module":
		var a struct {
			SourcePath string                `json:"source_path"`
			Options    dapcore.ReloadOptions `json:"options"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, err
		}
		return s.eng.ReloadModule(ctx, a.SourcePath, a.Options)

	case "disconnect":
		var a struct {
			TerminateDebuggee bool `json:"terminate_debuggee"`
		}
		_ = json.Unmarshal(args, &a)
		return nil, s.eng.Disconnect(ctx, a.TerminateDebuggee)

	default:
		return nil, errUnknownCommand(cmd)
	}
}

type errUnknownCommand string

func (e errUnknownCommand) Error() string { return "toyengine: unknown command " + string(e) }

// mergeJSON flattens base's fields and extra's keys into one JSON
// object, mirroring the shape dap/engine_external.go's SetExpression
// expects (a Variable's fields alongside a trailing "supported" flag).
func mergeJSON(base any, extra map[string]any) json.RawMessage {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	for k, v := range extra {
		ev, err := json.Marshal(v)
		if err != nil {
			continue
		}
		m[k] = ev
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

type responsePayload struct {
	ID    int64           `json:"id"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

func (s *Server) sendResponse(id int64, errMsg string, body any) {
	var raw json.RawMessage
	if body != nil {
		if rm, ok := body.(json.RawMessage); ok {
			raw = rm
		} else if b, err := json.Marshal(body); err == nil {
			raw = b
		}
	}
	s.send(dapcore.FrameResponse, responsePayload{ID: id, Error: errMsg, Body: raw})
}

func (s *Server) sendEvent(ev dapcore.Event) {
	typ, body := eventTypeAndBody(ev)
	if typ == "" {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	typJSON, _ := json.Marshal(typ)
	m["type"] = typJSON
	s.send(dapcore.FrameEvent, m)
}

func eventTypeAndBody(ev dapcore.Event) (string, any) {
	switch {
	case ev.Stopped != nil:
		return "stopped", ev.Stopped
	case ev.Continued != nil:
		return "continued", ev.Continued
	case ev.Thread != nil:
		return "thread", ev.Thread
	case ev.Output != nil:
		return "output", ev.Output
	case ev.Exited != nil:
		return "exited", ev.Exited
	case ev.Module != nil:
		return "module", ev.Module
	case ev.LoadedSource != nil:
		kind, path, name := "", "", ""
		if ev.LoadedSource.Kind != "" {
			kind = ev.LoadedSource.Kind
		}
		if ev.LoadedSource.Source != nil {
			path, name = ev.LoadedSource.Source.Path, ev.LoadedSource.Source.Name
		}
		return "loaded_source", struct {
			Kind string `json:"kind"`
			Path string `json:"path"`
			Name string `json:"name"`
		}{kind, path, name}
	case ev.Process != nil:
		return "process", ev.Process
	case ev.ChildProcess != nil:
		return "child_process", ev.ChildProcess
	default:
		return "", nil
	}
}

func (s *Server) send(kind dapcore.FrameKind, payload any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := dapcore.Encode(s.conn, kind, payload); err != nil {
		logrus.WithError(err).Debug("toyengine: failed to write frame")
	}
}
