package config

import "errors"

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigRead     = errors.New("failed to read configuration")
	ErrConfigWrite    = errors.New("failed to write default configuration")
	ErrUnknownSetting = errors.New("unknown setting value")
)
