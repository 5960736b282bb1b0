package connector

import "fmt"

// Error code fragments embedded in bus error messages. Matching on message
// content is a best-effort heuristic; anything unrecognized falls through to
// the generic connect-error category.
var (
	// transientErrorCodes are resolved by waiting and retrying.
	transientErrorCodes = []string{
		"le-connection-abort-by-local",
		"br-connection-canceled",
	}

	// abortErrorCodes mark a link aborted by the bus, currently the same
	// set as the transient codes.
	abortErrorCodes = transientErrorCodes

	// deviceMissingErrorCodes mean the device object is gone from the bus.
	deviceMissingErrorCodes = []string{
		"org.freedesktop.DBus.Error.UnknownObject",
	}
)

// Remediation advice appended to terminal errors.
const (
	AbortAdvice = "Interference/range; " +
		"External Bluetooth adapter w/extension may help; " +
		"Extension cables reduce USB 3 port interference"

	DeviceMissingAdvice = "The device disappeared; " +
		"Try restarting the scanner or moving the device closer"
)

// ConnectError is the common shape of the terminal errors raised once the
// retry budget is exhausted. It carries the caller-supplied device name, a
// human description (alias or backend path), optional remediation advice and
// the last underlying failure.
type ConnectError struct {
	Device      string
	Description string
	Advice      string
	Err         error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("%s - %s: failed to connect: %v", e.Device, e.Description, e.Err)
	if e.Advice != "" {
		msg += ": " + e.Advice
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NotFoundError means the device is unreachable or has disappeared.
type NotFoundError struct{ ConnectError }

// AbortedError means the bus aborted the link, likely interference.
type AbortedError struct{ ConnectError }

// ConnectionError means the retry budget was exhausted without a more
// specific diagnosis.
type ConnectionError struct{ ConnectError }
