package redfish

import (
	"errors"
	"fmt"
)

// Sentinel errors for the classes of failure a caller may want to branch on.
var (
	// ErrConnection covers transport-level failures: refused connections,
	// TLS handshake failures, timeouts. Retryable.
	ErrConnection = errors.New("connection error")

	// ErrAuthentication covers authorization failures that survived session
	// recreation. Retried a bounded number of times, then surfaced.
	ErrAuthentication = errors.New("authentication error")

	// ErrProtocol covers unexpected statuses and unparseable bodies. Never
	// retried: it signals a schema mismatch, not a transient fault.
	ErrProtocol = errors.New("protocol error")

	// ErrTaskTimeout covers an async operation that did not reach a terminal
	// state within its wall-clock budget.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrLicense covers a required BMC license capability being absent.
	// Never retried: retrying cannot remedy a licensing gap.
	ErrLicense = errors.New("license error")

	// ErrInvalidTarget covers configuration-class validation failures such
	// as an unusable image URL or an unknown virtual media device.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrExhausted covers a bounded retry sequence that consumed every
	// attempt without success.
	ErrExhausted = errors.New("retries exhausted")
)

// connError wraps err as a transport-level failure.
func connError(err error) error {
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// protocolError wraps an unexpected response shape.
func protocolError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, a...))
}

// exhaustedError reports retry exhaustion, carrying the total attempt count
// and the last underlying error verbatim.
func exhaustedError(attempts int, last error) error {
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}
