package dap

import (
	"context"
	"reflect"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
)

type Context interface {
	context.Context
	C() chan<- dap.Message
	Go(f func(c Context)) bool
}

type dispatchContext struct {
	context.Context
	srv *Server
	ch  chan<- dap.Message
}

func (c *dispatchContext) C() chan<- dap.Message {
	return c.ch
}

func (c *dispatchContext) Go(f func(c Context)) bool {
	return c.srv.Go(f)
}

type HandlerFunc[Req dap.RequestMessage, Resp dap.ResponseMessage] func(c Context, req Req, resp Resp) error

func (h HandlerFunc[Req, Resp]) Do(c Context, req Req) (resp Resp, err error) {
	if h == nil {
		return resp, errors.New("not implemented")
	}

	respT := reflect.TypeFor[Resp]()
	rv := reflect.New(respT.Elem())
	resp = rv.Interface().(Resp)
	err = h(c, req, resp)
	return resp, err
}

// Handler wires every DAP request named in the session state table and
// capability list to a concrete implementation. Session (session.go)
// builds one of these and hands it to NewServer; each field is nil
// until the corresponding component (breakpoints, threads, step,
// lifecycle, hot reload, evaluate) is wired in.
type Handler struct {
	Initialize        HandlerFunc[*dap.InitializeRequest, *InitializeResponse]
	Launch            HandlerFunc[*dap.LaunchRequest, *dap.LaunchResponse]
	Attach            HandlerFunc[*dap.AttachRequest, *dap.AttachResponse]
	Restart           HandlerFunc[*dap.RestartRequest, *dap.RestartResponse]
	Disconnect        HandlerFunc[*dap.DisconnectRequest, *dap.DisconnectResponse]
	Terminate         HandlerFunc[*dap.TerminateRequest, *dap.TerminateResponse]
	ConfigurationDone HandlerFunc[*dap.ConfigurationDoneRequest, *dap.ConfigurationDoneResponse]

	SetBreakpoints          HandlerFunc[*dap.SetBreakpointsRequest, *dap.SetBreakpointsResponse]
	SetFunctionBreakpoints  HandlerFunc[*dap.SetFunctionBreakpointsRequest, *dap.SetFunctionBreakpointsResponse]
	SetExceptionBreakpoints HandlerFunc[*dap.SetExceptionBreakpointsRequest, *dap.SetExceptionBreakpointsResponse]
	DataBreakpointInfo      HandlerFunc[*dap.DataBreakpointInfoRequest, *dap.DataBreakpointInfoResponse]
	SetDataBreakpoints      HandlerFunc[*dap.SetDataBreakpointsRequest, *dap.SetDataBreakpointsResponse]

	Continue        HandlerFunc[*dap.ContinueRequest, *dap.ContinueResponse]
	Next            HandlerFunc[*dap.NextRequest, *dap.NextResponse]
	StepIn          HandlerFunc[*dap.StepInRequest, *dap.StepInResponse]
	StepOut         HandlerFunc[*dap.StepOutRequest, *dap.StepOutResponse]
	StepBack        HandlerFunc[*dap.StepBackRequest, *dap.StepBackResponse]
	ReverseContinue HandlerFunc[*dap.ReverseContinueRequest, *dap.ReverseContinueResponse]
	Pause           HandlerFunc[*dap.PauseRequest, *dap.PauseResponse]
	Goto            HandlerFunc[*dap.GotoRequest, *dap.GotoResponse]

	Threads       HandlerFunc[*dap.ThreadsRequest, *dap.ThreadsResponse]
	StackTrace    HandlerFunc[*dap.StackTraceRequest, *dap.StackTraceResponse]
	Scopes        HandlerFunc[*dap.ScopesRequest, *dap.ScopesResponse]
	Variables     HandlerFunc[*dap.VariablesRequest, *dap.VariablesResponse]
	SetVariable   HandlerFunc[*dap.SetVariableRequest, *dap.SetVariableResponse]
	SetExpression HandlerFunc[*dap.SetExpressionRequest, *dap.SetExpressionResponse]

	Evaluate      HandlerFunc[*dap.EvaluateRequest, *dap.EvaluateResponse]
	Completions   HandlerFunc[*dap.CompletionsRequest, *dap.CompletionsResponse]
	ExceptionInfo HandlerFunc[*dap.ExceptionInfoRequest, *dap.ExceptionInfoResponse]
	Source        HandlerFunc[*dap.SourceRequest, *dap.SourceResponse]
	LoadedSources HandlerFunc[*dap.LoadedSourcesRequest, *dap.LoadedSourcesResponse]

	HotReload HandlerFunc[*HotReloadRequest, *HotReloadResponse]
}
