package connector

import (
	"context"
	"errors"
	"io"
	"strings"
	"syscall"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

// AttemptState tracks the counters of one EstablishConnection invocation.
// It is exclusively owned by the in-flight call; a fresh invocation starts
// from zero.
type AttemptState struct {
	Attempts        int
	Timeouts        int
	ConnectErrors   int
	TransientErrors int
}

// Action is the classifier's verdict for a failed attempt.
type Action int

const (
	// ActionContinue retries immediately.
	ActionContinue Action = iota
	// ActionBackoff sleeps for Decision.Backoff, then retries.
	ActionBackoff
	// ActionRaise stops retrying and raises a terminal error.
	ActionRaise
)

// Kind selects which terminal error type to raise.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindAborted
	KindConnectionFailed
)

// Decision is what the retry loop does next.
type Decision struct {
	Action  Action
	Backoff time.Duration
	Kind    Kind
	Advice  string
}

// Classify maps a failed connect attempt onto a failure category, charges it
// to the matching counter in st, and decides whether the loop continues,
// backs off, or raises.
//
// Categories, in priority order:
//  1. deadline exceeded (connect or safety) -> timeout counter
//  2. severed bus pipe (EPIPE) -> transient counter
//  3. end-of-stream on the bus socket (EOF) -> transient counter, plus a
//     cooldown so the bus library can run its cleanup callbacks
//  4. known transient bus error code -> transient counter; cooldown only
//     when the error really came from the bus
//  5. anything else -> generic connect-error counter
func Classify(err error, st *AttemptState, opts *ConnectOptions) Decision {
	var backoff time.Duration

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		st.Timeouts++

	case errors.Is(err, syscall.EPIPE):
		st.TransientErrors++

	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		st.TransientErrors++
		backoff = opts.Backoff

	case containsAny(err.Error(), transientErrorCodes):
		st.TransientErrors++
		if isDBusError(err) {
			backoff = opts.Backoff
		}

	default:
		st.ConnectErrors++
	}

	if st.Timeouts+st.ConnectErrors < opts.MaxAttempts &&
		st.TransientErrors < opts.MaxTransientErrors {
		if backoff > 0 {
			return Decision{Action: ActionBackoff, Backoff: backoff}
		}
		return Decision{Action: ActionContinue}
	}

	kind, advice := terminalKind(err)
	return Decision{Action: ActionRaise, Kind: kind, Advice: advice}
}

// terminalKind refines an exhausted budget into one of the terminal error
// kinds based on the last failure.
func terminalKind(err error) (Kind, string) {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(msg, "not found"):
		return KindNotFound, ""
	case containsAny(msg, abortErrorCodes):
		return KindAborted, AbortAdvice
	case containsAny(msg, deviceMissingErrorCodes):
		return KindNotFound, DeviceMissingAdvice
	default:
		return KindConnectionFailed, ""
	}
}

// terminalError materializes the decision into a typed error.
func (d Decision) terminalError(name, description string, err error) error {
	ce := ConnectError{Device: name, Description: description, Advice: d.Advice, Err: err}
	switch d.Kind {
	case KindNotFound:
		return &NotFoundError{ce}
	case KindAborted:
		return &AbortedError{ce}
	default:
		return &ConnectionError{ce}
	}
}

// isDBusError reports whether the failure originated from the bus itself.
// godbus surfaces method errors as dbus.Error values, but wrapped pointers
// show up as well.
func isDBusError(err error) bool {
	var val dbus.Error
	if errors.As(err, &val) {
		return true
	}
	var ptr *dbus.Error
	return errors.As(err, &ptr)
}

func containsAny(msg string, codes []string) bool {
	for _, code := range codes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
