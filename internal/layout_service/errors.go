package layout_service

import "errors"

var (
	// Retryable: the client should resend the same request later
	ErrDelay = errors.New("layout temporarily unavailable")

	// Per-request failures
	ErrFatal          = errors.New("layout request failed")
	ErrInvalidRequest = errors.New("invalid layout request")
	ErrTokenConflict  = errors.New("token already used for a different layout")

	// Device lookups
	ErrUnknownDevice       = errors.New("unknown device id")
	ErrNoConnectionAddress = errors.New("connection address not available")

	// Backend misbehaviour
	ErrProtocolViolation = errors.New("backend protocol violation")

	// Construction
	ErrInvalidOptions = errors.New("invalid layout service options")
	ErrNoSelector     = errors.New("selector is required")
)

// IsRetryable reports whether err tells the client to try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDelay)
}
