package dap

// This file is the live side of the Stop/Step Coordinator: it binds
// the Breakpoint Store (breakpoints.go) and the step/watch/exception
// primitives (step.go) onto an in-process engine via the TraceDelegate
// interface (engine.go), so stepping, watch, and exception decisions
// run through the same code the unit tests exercise instead of a
// second copy kept inside the engine. An engine that cannot share
// memory with the Session (the external/subprocess backend) keeps its
// own local bookkeeping instead — TraceDelegate binding is opt-in, not
// required by the Engine contract.

// ArmStep installs the predicate for an outstanding next/stepIn/
// stepOut request. The bound engine calls this instead of keeping its
// own step predicate.
func (s *Session) ArmStep(mode StepMode, granularity StepGranularity, fromDepth int, fromName string) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	s.stepPred = NewStepPredicate(mode, granularity, stepIdentity{depth: fromDepth, name: fromName}, s.cfg.asyncFrameNames())
}

// DisarmStep clears the armed step predicate, called once it has fired
// or a continue supersedes it.
func (s *Session) DisarmStep() {
	s.stepMu.Lock()
	s.stepPred = nil
	s.stepMu.Unlock()
}

func (s *Session) armedStepPred() StepPredicate {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	return s.stepPred
}

// OnLine folds line-breakpoint lookup and hit accounting, the armed
// step predicate, and data-watchpoint evaluation into the single
// decision a bound engine needs before running the instruction at
// (source, line, depth) in frame. Log points are not looked up here:
// the engine formats and emits their output itself and never reports
// them as a candidate stop.
func (s *Session) OnLine(source string, line, depth int, frame Frame, eval func(string) (string, error), evalBool func(string) (bool, error)) (stop bool, reason string, hitIDs []int, description string) {
	for _, bp := range s.breakpoints.LookupLine(source, line) {
		if bp.IsLogpoint() {
			continue
		}
		if EvaluateCondition(bp.Condition, bp.HitCondition, &bp.hitCount, evalBool) == Hit {
			return true, "breakpoint", []int{bp.ID}, ""
		}
	}

	if pred := s.armedStepPred(); pred != nil && pred(depth, frame) {
		s.DisarmStep()
		return true, "step", nil, ""
	}

	if hits := s.watches.Check(eval, evalBool); len(hits) > 0 {
		hit := hits[0]
		return true, "data breakpoint", []int{hit.Breakpoint.ID}, WatchpointDescription(hit)
	}

	return false, "", nil, ""
}

// OnCall is OnLine's function-breakpoint counterpart.
func (s *Session) OnCall(name string, depth int, frame Frame, evalBool func(string) (bool, error)) (stop bool, reason string, hitIDs []int) {
	for _, bp := range s.breakpoints.LookupFunction(name) {
		if EvaluateCondition(bp.Condition, bp.HitCondition, &bp.hitCount, evalBool) == Hit {
			return true, "function breakpoint", []int{bp.ID}
		}
	}
	return false, "", nil
}

// OnRaise, OnHandled, and OnUnwind drive the exception phase machine
// (step.go's exceptionTracker), which has otherwise no caller outside
// its own tests.
func (s *Session) OnRaise(exceptionID, source string) (stop bool, reason string) {
	return s.exceptions.Observe(ExceptionRaised, exceptionID, source, false)
}

func (s *Session) OnHandled(exceptionID string) {
	s.exceptions.Observe(ExceptionHandled, exceptionID, "", false)
}

func (s *Session) OnUnwind(exceptionID string, unwoundPastUserCode bool) (stop bool, reason string) {
	return s.exceptions.Observe(ExceptionUnwinding, exceptionID, "", unwoundPastUserCode)
}

var _ TraceDelegate = (*Session)(nil)
