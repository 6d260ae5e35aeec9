package endpoint

import "errors"

var (
	// ErrNoPassword is returned when the endpoint is configured without a
	// password.
	ErrNoPassword = errors.New("endpoint password must not be empty")

	// ErrBadSecurity is returned for a security mode other than TLS or TCP.
	ErrBadSecurity = errors.New("unsupported security mode")

	// ErrStopped is returned when a command is submitted after the network
	// loop has exited.
	ErrStopped = errors.New("endpoint stopped")
)
