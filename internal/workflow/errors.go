package workflow

import "fmt"

type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindForbidden             Kind = "FORBIDDEN"
	KindIllegalTransition     Kind = "ILLEGAL_TRANSITION"
	KindValidation            Kind = "VALIDATION_ERROR"
	KindConflict              Kind = "CONFLICT"
	KindDownstreamUnavailable Kind = "DOWNSTREAM_UNAVAILABLE"
)

// Error is the typed failure returned by the gate evaluator and executor.
// Details always carries enough state for a client to redraw the current gate.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on Kind so callers can use errors.Is(err, workflow.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrNotFound              = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden             = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrIllegalTransition     = &Error{Kind: KindIllegalTransition, Message: "illegal transition"}
	ErrValidation            = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrConflict              = &Error{Kind: KindConflict, Message: "conflict"}
	ErrDownstreamUnavailable = &Error{Kind: KindDownstreamUnavailable, Message: "downstream unavailable"}
)

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Conflict(message string, details map[string]any) *Error {
	return &Error{Kind: KindConflict, Message: message, Details: details}
}

func Downstream(message string) *Error {
	return &Error{Kind: KindDownstreamUnavailable, Message: message}
}

func forbidden(req Request, action Action, message string) *Error {
	return &Error{Kind: KindForbidden, Message: message, Details: gateDetails(req, action)}
}

func illegal(req Request, action Action, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("%s is not allowed while the request is %s", action, req.Status)
	}
	return &Error{Kind: KindIllegalTransition, Message: message, Details: gateDetails(req, action)}
}

func validation(message string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

func gateDetails(req Request, action Action) map[string]any {
	return map[string]any{
		"status":      req.Status,
		"currentGate": CurrentGate(req.Status),
		"action":      action,
		"round":       req.Round,
	}
}
