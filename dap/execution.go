package dap

import (
	"fmt"
	"strings"

	"github.com/google/go-dap"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// handleContinue implements the "continue" request.
// The actual transition to Running happens asynchronously off the
// engine's "continued" event (Session.Emit), not here: Continue only
// forwards the command and reports whether every thread resumed.
func (s *Session) handleContinue(c Context, req *dap.ContinueRequest, resp *dap.ContinueResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	if err := s.engine.Continue(c, req.Arguments.ThreadId); err != nil {
		return newError(KindEngine, "continue", err)
	}
	resp.Body.AllThreadsContinued = true
	return nil
}

func stepGranularity(g dap.SteppingGranularity) StepGranularity {
	switch g {
	case "instruction":
		return GranularityInstruction
	case "statement":
		return GranularityStatement
	default:
		return GranularityLine
	}
}

// handleNext, handleStepIn and handleStepOut all forward to
// Engine.Step; the step predicate is armed on the engine side, keyed
// off the stopped depth and frame name the engine itself reports (an
// in-process engine passes them to TraceDelegate.ArmStep, a standalone
// engine builds its own predicate from them).
func (s *Session) handleNext(c Context, req *dap.NextRequest, resp *dap.NextResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	if err := s.engine.Step(c, req.Arguments.ThreadId, StepOver, stepGranularity(req.Arguments.Granularity)); err != nil {
		return newError(KindEngine, "next", err)
	}
	return nil
}

func (s *Session) handleStepIn(c Context, req *dap.StepInRequest, resp *dap.StepInResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	if err := s.engine.Step(c, req.Arguments.ThreadId, StepIn, stepGranularity(req.Arguments.Granularity)); err != nil {
		return newError(KindEngine, "step in", err)
	}
	return nil
}

func (s *Session) handleStepOut(c Context, req *dap.StepOutRequest, resp *dap.StepOutResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	if err := s.engine.Step(c, req.Arguments.ThreadId, StepOut, stepGranularity(req.Arguments.Granularity)); err != nil {
		return newError(KindEngine, "step out", err)
	}
	return nil
}

func (s *Session) handlePause(c Context, req *dap.PauseRequest, resp *dap.PauseResponse) error {
	if err := s.requireAny(StateRunning); err != nil {
		return err
	}
	if err := s.engine.Pause(c, req.Arguments.ThreadId); err != nil {
		return newError(KindEngine, "pause", err)
	}
	return nil
}

// handleGoto treats TargetId as a line number directly: dapper never
// advertises SupportsGotoTargetsRequest (capabilities.go), so a client
// can only reach this handler by round-tripping a line number a prior
// response handed it, not through goto target resolution.
func (s *Session) handleGoto(c Context, req *dap.GotoRequest, resp *dap.GotoResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	if err := s.engine.Goto(c, req.Arguments.ThreadId, req.Arguments.TargetId); err != nil {
		if errors.Is(err, ErrUnsupported) {
			return newError(KindPolicy, "goto is not supported by this engine", err)
		}
		return newError(KindEngine, "goto", err)
	}
	return nil
}

// handleEvaluate implements the evaluate request. A single
// semaphore single-flights concurrent evaluates the same way
// docker-buildx's debug shell guards its own command dispatch
// (_examples/docker-buildx/dap/debug_shell.go), since most engine
// backends cannot usefully interleave two expression evaluations
// against one paused thread.
func (s *Session) handleEvaluate(c Context, req *dap.EvaluateRequest, resp *dap.EvaluateResponse) error {
	if err := s.evalSem.Acquire(c, 1); err != nil {
		return newError(KindInternal, "evaluate canceled", err)
	}
	defer s.evalSem.Release(1)

	evalCtx := EvalContext(req.Arguments.Context)
	if evalCtx == "" {
		evalCtx = EvalRepl
	}

	if evalCtx == EvalRepl {
		if handled, err := s.evalReplCommand(c, req, resp); handled {
			return err
		}
	}

	v, err := s.engine.Evaluate(c, req.Arguments.Expression, req.Arguments.FrameId, evalCtx)
	if err != nil {
		return newError(KindEvaluation, "evaluate", err)
	}
	rendered := s.toDAPVariable(v)
	resp.Body.Result = rendered.Value
	resp.Body.Type = rendered.Type
	resp.Body.VariablesReference = rendered.VariablesReference
	resp.Body.NamedVariables = rendered.NamedVariables
	resp.Body.PresentationHint = rendered.PresentationHint
	return nil
}

// evalReplCommand dispatches the ":"-prefixed adapter meta-commands
// (":threads", ":bp") through a small cobra tree, following
// docker-buildx's replCmd pattern (dap/eval.go) of wrapping a plain Go
// function as a cobra.Command run func. Anything not starting with
// ":" is left to the engine's own Evaluate.
func (s *Session) evalReplCommand(c Context, req *dap.EvaluateRequest, resp *dap.EvaluateResponse) (handled bool, err error) {
	expr := strings.TrimSpace(req.Arguments.Expression)
	if !strings.HasPrefix(expr, ":") {
		return false, nil
	}

	args, splitErr := shlex.Split(strings.TrimPrefix(expr, ":"))
	if splitErr != nil {
		return true, newError(KindEvaluation, "cannot parse meta-command", splitErr)
	}
	if len(args) == 0 {
		return true, nil
	}

	root := &cobra.Command{SilenceErrors: true, SilenceUsage: true}

	root.AddCommand(&cobra.Command{
		Use: "threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			threads, err := s.engine.Threads(c)
			if err != nil {
				return err
			}
			lines := make([]string, len(threads))
			for i, th := range threads {
				lines[i] = fmt.Sprintf("%d: %s", th.ID, th.Name)
			}
			resp.Body.Result = strings.Join(lines, "\n")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use: "bp",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp.Body.Result = strings.Join(s.breakpoints.Summary(), "\n")
			return nil
		},
	})

	root.SetArgs(args)
	if runErr := root.Execute(); runErr != nil {
		return true, newError(KindEvaluation, "meta-command failed", runErr)
	}
	return true, nil
}

func (s *Session) handleCompletions(c Context, req *dap.CompletionsRequest, resp *dap.CompletionsResponse) error {
	items, err := s.engine.Completions(c, req.Arguments.Text, req.Arguments.Column, req.Arguments.FrameId)
	if errors.Is(err, ErrUnsupported) {
		resp.Body.Targets = []dap.CompletionItem{}
		return nil
	}
	if err != nil {
		return newError(KindEvaluation, "completions", err)
	}
	out := make([]dap.CompletionItem, len(items))
	for i, it := range items {
		out[i] = dap.CompletionItem{
			Label:  it.Label,
			Text:   it.Text,
			Type:   dap.CompletionItemType(it.Type),
			Start:  it.Start,
			Length: it.Length,
		}
	}
	resp.Body.Targets = out
	return nil
}

func (s *Session) handleExceptionInfo(c Context, req *dap.ExceptionInfoRequest, resp *dap.ExceptionInfoResponse) error {
	if err := s.requireAny(StateStopped); err != nil {
		return err
	}
	details, err := s.engine.ExceptionInfo(c, req.Arguments.ThreadId)
	if err != nil {
		return newError(KindEngine, "exception info", err)
	}
	resp.Body.ExceptionId = details.ExceptionID
	resp.Body.Description = details.Description
	resp.Body.BreakMode = dap.ExceptionBreakMode(details.BreakMode)
	resp.Body.Details = toDAPExceptionDetails(details)
	return nil
}

func toDAPExceptionDetails(d ExceptionDetails) *dap.ExceptionDetails {
	out := &dap.ExceptionDetails{
		Message:    d.Description,
		TypeName:   d.ExceptionID,
		StackTrace: d.StackTrace,
	}
	for _, inner := range d.Details {
		out.InnerException = append(out.InnerException, *toDAPExceptionDetails(inner))
	}
	return out
}
