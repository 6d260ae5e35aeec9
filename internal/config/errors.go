package config

import "errors"

var (
	// ErrInvalidConfig is returned when a config file parses but cannot
	// be used as-is.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInsecurePermissions is returned when a config file is readable
	// by group or world.
	ErrInsecurePermissions = errors.New("insecure config file permissions")
)
