package pool_selector

import "errors"

var (
	ErrNoHealthyBackends = errors.New("no healthy backends available")
	ErrUnknownSession    = errors.New("no session for token")
	ErrSessionRejected   = errors.New("backend rejected session request")
)
