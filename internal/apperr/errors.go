// Package apperr defines the error taxonomy shared by every orchestrator
// component: transient-external, configuration, protocol, contract-violation,
// and user-abort, per the error handling design. Individual components
// recover transient errors locally; anything unrecovered propagates up as one
// of these kinds so the Session Controller can decide how to react.
package apperr

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind is the error taxonomy, not a concrete type hierarchy.
type Kind string

const (
	// KindTransientExternal covers STT/TTS/LLM/editor network failures that
	// are retried with backoff by the component that saw them.
	KindTransientExternal Kind = "transient-external"
	// KindConfiguration covers missing endpoints or invalid templates,
	// detected and failed fast at startup.
	KindConfiguration Kind = "configuration"
	// KindProtocol covers schema-invalid records from the bridge or the LLM;
	// logged and dropped, with a counter incremented, and retried where safe.
	KindProtocol Kind = "protocol"
	// KindContractViolation covers a broken internal invariant (e.g.
	// non-monotonic seq); it aborts the session with status failed.
	KindContractViolation Kind = "contract-violation"
	// KindUserAbort covers an operator stop; an orderly shutdown still
	// produces an Outcome from collected data.
	KindUserAbort Kind = "user-abort"
)

// Error wraps an underlying error with its taxonomy Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error. Contract-violation errors are built with
// eris so the Session Controller can log a stack trace internally; every
// other kind keeps the cheaper fmt.Errorf wrapping, since those are routinely
// expected and retried rather than exceptional.
func New(kind Kind, format string, args ...any) *Error {
	if kind == KindContractViolation {
		return &Error{Kind: kind, Err: eris.Errorf(format, args...)}
	}
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	if kind == KindContractViolation {
		return &Error{Kind: kind, Err: eris.Wrap(err, "contract violation")}
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return "", false
}

// Stack renders the eris stack trace for a contract-violation error, for
// inclusion in the internal SYSTEM_ERROR log record only. Returns "" for
// errors that were not constructed with eris.
func Stack(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Kind != KindContractViolation {
		return ""
	}
	return eris.ToString(appErr.Err, true)
}
