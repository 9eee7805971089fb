package dap

import "github.com/google/go-dap"

// hotReloadService implements C10: reload a module in
// the running debuggee, re-apply breakpoints against the new code,
// and report what changed. It only runs while the session is Running
// or Stopped; reloading before launch finishes makes no sense and
// reloading mid-terminate would race the teardown in lifecycle.go.
type hotReloadService struct {
	s *Session
}

func newHotReloadService(s *Session) *hotReloadService {
	return &hotReloadService{s: s}
}

// handle implements the six-step reload algorithm:
//  1. resolve the module from the given source path
//  2. invalidate the engine's bytecode cache for it (folded into
//     Engine.ReloadModule itself — the Engine contract has no separate
//     invalidate call, since every backend that can reload can also
//     invalidate atomically as part of the same operation)
//  3. reload
//  4. re-apply every line breakpoint registered against that source
//  5. emit "loaded_source" (changed) for the reloaded module
//  6. optionally rebind live frames, then emit "hot_reload_result"
func (h *hotReloadService) handle(c Context, req *HotReloadRequest, resp *HotReloadResponse) error {
	s := h.s
	if err := s.requireAny(StateRunning, StateStopped); err != nil {
		return err
	}

	source := req.Arguments.Source
	result, err := s.engine.ReloadModule(c, source, ReloadOptions{RebindFrames: s.State() == StateStopped})
	if err != nil {
		return newError(KindEngine, "reload module", err)
	}

	// Re-apply breakpoints registered against this source: the reload
	// may have moved lines around, so re-send the full set and let the
	// engine re-verify, exactly like a setBreakpoints replace.
	if specs := s.breakpoints.LineSpecsForSource(source); len(specs) > 0 {
		resolved, err := s.engine.SetLineBreakpoints(c, source, specs)
		if err != nil {
			result.Warnings = append(result.Warnings, "failed to re-apply breakpoints: "+err.Error())
		} else {
			for i, r := range resolved {
				if i < len(specs) {
					s.breakpoints.MarkVerified(source, specs[i].Line, r.Line)
				}
			}
		}
	}

	// Data/watch breakpoints live in the engine's own process-local
	// state (or are re-derived from the Breakpoint Store for an
	// in-process trace delegate); either way a reload can invalidate
	// them, so re-send the full set just like the line breakpoints
	// above.
	if watches := s.breakpoints.DataBreakpoints(); len(watches) > 0 {
		if err := s.engine.RegisterWatches(c, toWatches(watches)); err != nil {
			result.Warnings = append(result.Warnings, "failed to re-apply watches: "+err.Error())
		}
	}

	s.server.Go(func(c Context) {
		c.C() <- &dap.LoadedSourceEvent{
			Event: dap.Event{Event: "loadedSource"},
			Body: dap.LoadedSourceEventBody{
				Reason: "changed",
				Source: dap.Source{Path: source},
			},
		}
	})

	result.ReloadedModule = source
	resp.Body = result

	s.server.Go(func(c Context) {
		c.C() <- NewHotReloadResultEvent(result)
	})
	return nil
}
