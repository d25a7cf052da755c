package transfer_table

import "errors"

var (
	// Caller protocol violations
	ErrDuplicateToken   = errors.New("token already registered")
	ErrAlreadyDelivered = errors.New("notification already delivered for token")
	ErrInvalidToken     = errors.New("invalid token")

	// Benign negative results
	ErrTokenNotFound     = errors.New("token not found")
	ErrStaleNotification = errors.New("notification for unknown token dropped")

	// Wait outcomes
	ErrWaitTimeout   = errors.New("timed out waiting for session")
	ErrSessionFailed = errors.New("backend session failed")
)
