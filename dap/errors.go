package dap

import (
	"fmt"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
)

// Kind classifies an error per the adapter's error taxonomy. Every
// error that crosses a request boundary carries one of these.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindTransport     Kind = "transport"
	KindFraming       Kind = "framing"
	KindProtocol      Kind = "protocol"
	KindEngine        Kind = "engine"
	KindTimeout       Kind = "timeout"
	KindEvaluation    Kind = "evaluation"
	KindPolicy        Kind = "policy"
	KindInternal      Kind = "internal"
)

// codeFor maps a Kind to the stable error_code string used in
// dap.ErrorMessage.Format substitution and in structured error bodies.
var codeFor = map[Kind]string{
	KindConfiguration: "bad_configuration",
	KindTransport:     "transport_error",
	KindFraming:       "framing_error",
	KindProtocol:      "protocol_error",
	KindEngine:        "engine_error",
	KindTimeout:       "timed_out",
	KindEvaluation:    "evaluation_failed",
	KindPolicy:        "policy_denied",
	KindInternal:      "internal_error",
}

// Error is the adapter's structured error, matching the canonical
// {message, details: {error_code, cause}} shape.
type Error struct {
	Kind    Kind
	Message string
	Cause   string
	Fatal   bool
}

func (e *Error) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Message, e.Cause, codeFor[e.Kind])
	}
	return fmt.Sprintf("%s (%s)", e.Message, codeFor[e.Kind])
}

// newError builds a structured Error. Use wrap to attach an underlying
// cause captured from a backend or the standard library.
func newError(kind Kind, msg string, wrap error) *Error {
	e := &Error{Kind: kind, Message: msg}
	if wrap != nil {
		e.Cause = wrap.Error()
	}
	return e
}

func newFatalError(kind Kind, msg string, wrap error) *Error {
	e := newError(kind, msg, wrap)
	e.Fatal = true
	return e
}

// TimedOut reports whether err is a KindTimeout Error, mirroring the
// registry's expiry classification.
func TimedOut(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTimeout
}

// IsFatal reports whether err should transition the session to
// Terminating (a Transport or Framing failure).
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// toErrorResponse renders err onto an *dap.ErrorResponse in the
// canonical error-body shape used across the session.
func toErrorResponse(requestSeq int, command string, err error) *dap.ErrorResponse {
	var e *Error
	if !errors.As(err, &e) {
		e = newError(KindInternal, err.Error(), nil)
	}

	resp := &dap.ErrorResponse{}
	resp.Response = *newResponse(requestSeq, command)
	resp.Success = false
	resp.Message = e.Message
	resp.Body.Error = &dap.ErrorMessage{
		Id:     errorID(e.Kind),
		Format: e.Message,
		Variables: map[string]string{
			"error_code": codeFor[e.Kind],
			"cause":      e.Cause,
		},
		ShowUser: e.Kind != KindInternal,
	}
	return resp
}

// errorID assigns the small stable numeric ids used by DAP clients
// that key off ErrorMessage.Id instead of the string code.
func errorID(k Kind) int {
	switch k {
	case KindConfiguration:
		return 1000
	case KindTransport:
		return 1001
	case KindFraming:
		return 1002
	case KindProtocol:
		return 1003
	case KindEngine:
		return 1004
	case KindTimeout:
		return 1005
	case KindEvaluation:
		return 1006
	case KindPolicy:
		return 1007
	default:
		return 9999
	}
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		RequestSeq: requestSeq,
		Command:    command,
	}
}
