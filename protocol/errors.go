package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in spec §7. Wrap with fmt.Errorf's %w
// so callers can branch with errors.Is against these rather than asserting
// concrete types.
var (
	// ErrConnectionFailure is recoverable: an auth latch timed out, or the
	// transport was not open when a send needed it. The send path retries.
	ErrConnectionFailure = errors.New("loxone: connection failure")

	// ErrAuthTimeoutExceeded surfaces to the caller once retries are exhausted.
	ErrAuthTimeoutExceeded = errors.New("loxone: auth timeout exceeded")

	// ErrBadMessage marks a malformed JSON or binary frame. Logged and dropped.
	ErrBadMessage = errors.New("loxone: bad message")

	// ErrProtocolMismatch marks a response that does not fit its command:
	// EnsureResponse and the dispatcher's typed decoding return it when the
	// payload is not the type the command's category expects. Logged and
	// dropped. A Message-category response whose control fragment does not
	// match is also logged and dropped, but without this sentinel.
	ErrProtocolMismatch = errors.New("loxone: protocol mismatch")

	// ErrInvariantViolation marks a condition that indicates a bug rather
	// than a network condition (e.g. an auth completion signalled with no
	// active latch).
	ErrInvariantViolation = errors.New("loxone: invariant violation")

	// ErrInterrupted is surfaced by Close; it is swallowed with a log
	// everywhere else a wait is interrupted.
	ErrInterrupted = errors.New("loxone: interrupted")

	// Per-code classification, used internally to decide whether a
	// response advances or fails an in-flight auth cycle (spec §6).
	ErrNotAuthenticatedYet = errors.New("loxone: not authenticated yet")
	ErrAuthFailed          = errors.New("loxone: authentication failed")
	ErrDeviceNotFound      = errors.New("loxone: device not found")
	ErrAuthTookTooLong     = errors.New("loxone: authentication took too long")
	ErrUnauthorizedSecure  = errors.New("loxone: unauthorized for secured action")
)

// ClassifyCode maps a LoxoneMessage response code to nil (success) or the
// sentinel error describing why the response failed, per the response code
// taxonomy in spec §6.
func ClassifyCode(code int) error {
	switch code {
	case CodeOK:
		return nil
	case CodeNotAuthenticated:
		return ErrNotAuthenticatedYet
	case CodeAuthFailed:
		return ErrAuthFailed
	case CodeNotFound:
		return ErrDeviceNotFound
	case CodeAuthTimeout:
		return ErrAuthTookTooLong
	case CodeUnauthorizedSecure:
		return ErrUnauthorizedSecure
	default:
		return fmt.Errorf("loxone: unknown response code %d", code)
	}
}
