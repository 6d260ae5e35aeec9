package relay

import "errors"

var (
	// ErrNoPassword is returned when a relay is configured without a
	// password; the per-frame check requires one.
	ErrNoPassword = errors.New("relay password must not be empty")

	// ErrBadSecurity is returned for a security mode other than TLS or TCP.
	ErrBadSecurity = errors.New("unsupported security mode")
)
