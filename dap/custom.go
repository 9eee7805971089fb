package dap

import "github.com/google/go-dap"

// Custom protocol messages live under the reserved "dapper/" command
// namespace. google/go-dap's decoder only recognizes the
// standard DAP command set, so readMessage (conn.go) falls back to
// unmarshaling these by hand when the standard decode reports an
// unrecognized command. Encoding needs no special handling: go-dap's
// WriteProtocolMessage marshals any Message implementation, custom or
// not.

// HotReloadArguments is the argument body of a "dapper/hot_reload"
// request.
type HotReloadArguments struct {
	Source string `json:"source"`
}

// HotReloadRequest is the custom request that drives the Hot Reload
// Service.
type HotReloadRequest struct {
	dap.Request
	Arguments HotReloadArguments `json:"arguments"`
}

// HotReloadResult carries the counters the reload algorithm's final
// step requires on both the response and the "hot_reload_result" event.
type HotReloadResult struct {
	ReloadedModule    string   `json:"reloaded_module"`
	ReboundFrames     int      `json:"rebound_frames"`
	UpdatedFrameCodes int      `json:"updated_frame_codes"`
	PatchedInstances  int      `json:"patched_instances"`
	Warnings          []string `json:"warnings,omitempty"`
}

type HotReloadResponse struct {
	dap.Response
	Body HotReloadResult `json:"body"`
}

// HotReloadResultEvent is the "hot_reload_result" event.
type HotReloadResultEvent struct {
	dap.Event
	Body HotReloadResult `json:"body"`
}

func NewHotReloadResultEvent(result HotReloadResult) *HotReloadResultEvent {
	e := &HotReloadResultEvent{Body: result}
	e.Event.Event = "hot_reload_result"
	return e
}

// ChildProcessEventBody describes a subprocess the engine spawned that
// the client may want to auto-attach to.
type ChildProcessEventBody struct {
	ProcessID int    `json:"process_id"`
	Command   string `json:"command"`
	SessionID string `json:"session_id"`
}

type ChildProcessEvent struct {
	dap.Event
	Body ChildProcessEventBody `json:"body"`
}

func NewChildProcessEvent(body ChildProcessEventBody) *ChildProcessEvent {
	e := &ChildProcessEvent{Body: body}
	e.Event.Event = "child_process"
	return e
}

type ChildProcessExitedEventBody struct {
	ProcessID int `json:"process_id"`
	ExitCode  int `json:"exit_code"`
}

type ChildProcessExitedEvent struct {
	dap.Event
	Body ChildProcessExitedEventBody `json:"body"`
}

func NewChildProcessExitedEvent(body ChildProcessExitedEventBody) *ChildProcessExitedEvent {
	e := &ChildProcessExitedEvent{Body: body}
	e.Event.Event = "child_process_exited"
	return e
}

// TelemetryEvent is a free-form "telemetry" event.
type TelemetryEvent struct {
	dap.Event
	Body map[string]any `json:"body"`
}

func NewTelemetryEvent(body map[string]any) *TelemetryEvent {
	e := &TelemetryEvent{Body: body}
	e.Event.Event = "telemetry"
	return e
}
