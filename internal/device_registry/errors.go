package device_registry

import "errors"

var (
	// Mapping validation errors
	ErrInvalidBackendName = errors.New("invalid backend name")
	ErrNoAddresses        = errors.New("backend reported no addresses")

	// Wire form errors
	ErrInvalidDeviceIdLength = errors.New("invalid device id length")
)
