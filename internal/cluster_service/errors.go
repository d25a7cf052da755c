package cluster_service

import "errors"

var (
	// Node registration errors
	ErrNodeNotFound = errors.New("node not found")

	// Node validation errors
	ErrInvalidNodeID      = errors.New("invalid node ID")
	ErrInvalidNodeAddress = errors.New("invalid node address")

	// Service state errors
	ErrNotStarted     = errors.New("cluster service not started")
	ErrNoHealthyNodes = errors.New("no healthy nodes available")
)
