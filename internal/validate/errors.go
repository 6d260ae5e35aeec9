package validate

import "errors"

var (
	// ErrInvalidGroupName is returned for a group name that is empty,
	// too long, or contains whitespace.
	ErrInvalidGroupName = errors.New("invalid group name")

	// ErrInvalidPort is returned for a port outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidHost is returned for an implausible hostname or address.
	ErrInvalidHost = errors.New("invalid host")
)
