package dap

import "github.com/google/go-dap"

// InitializeResponse is dapper's own capabilities response: go-dap's
// InitializeResponseBody has no field for dapper's two extra
// capability flags (supportsHotReload, supportsChildProcessDebugging),
// so dapper defines its own response type that embeds go-dap's and
// extends it — the same technique custom.go's HotReloadResponse uses
// for a request/response pair go-dap doesn't know about at all.
type InitializeResponse struct {
	dap.Response
	Body InitializeResponseBody `json:"body"`
}

// InitializeResponseBody embeds dap.InitializeResponseBody so every
// standard capability field marshals at the same JSON level as the two
// extra ones (anonymous embedding promotes fields for encoding/json).
type InitializeResponseBody struct {
	dap.InitializeResponseBody
	SupportsHotReload             bool `json:"supportsHotReload"`
	SupportsChildProcessDebugging bool `json:"supportsChildProcessDebugging"`
}

// capabilities builds the InitializeResponse body advertised on
// initialize. Every engine backend supports the same
// baseline regardless of transport; hot reload is always advertised,
// and child-process support is gated on
// Configuration.SubprocessAutoAttach.
func capabilities(cfg Configuration) InitializeResponseBody {
	return InitializeResponseBody{
		InitializeResponseBody: dap.InitializeResponseBody{
			SupportsConfigurationDoneRequest:  true,
			SupportsFunctionBreakpoints:       true,
			SupportsConditionalBreakpoints:    true,
			SupportsHitConditionalBreakpoints: true,
			SupportsLogPoints:                 true,
			SupportsExceptionOptions:          true,
			SupportsSetVariable:               true,
			SupportsSetExpression:             true,
			SupportsCompletionsRequest:        true,
			SupportsDataBreakpoints:           true,
			SupportsLoadedSourcesRequest:      true,
			SupportsModulesRequest:            true,
			SupportsStepInTargetsRequest:      false,
			SupportsSteppingGranularity:       true,
			SupportsExceptionInfoRequest:      true,
			SupportsTerminateRequest:          true,
			SupportsRestartRequest:            true,
			SupportsGotoTargetsRequest:        false,
			ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
				{Filter: string(FilterRaised), Label: "Raised Exceptions"},
				{Filter: string(FilterUncaught), Label: "Uncaught Exceptions"},
				{Filter: string(FilterUserUnhandled), Label: "User-Unhandled Exceptions"},
			},
		},
		SupportsHotReload:             true,
		SupportsChildProcessDebugging: cfg.SubprocessAutoAttach,
	}
}
