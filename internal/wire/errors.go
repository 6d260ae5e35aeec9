package wire

import "errors"

var (
	// ErrBadHeader is returned when a frame header is not a well-formed
	// non-negative ASCII decimal of the configured width.
	ErrBadHeader = errors.New("malformed frame header")

	// ErrBadPassword is returned when the password field of an inbound frame
	// does not match the configured password.
	ErrBadPassword = errors.New("invalid password")

	// ErrBadEnvelope is returned when a frame body is not a valid envelope.
	ErrBadEnvelope = errors.New("malformed envelope")

	// ErrBodyTooLarge is returned when a frame body exceeds the configured
	// limit, or would not fit the fixed-width length header.
	ErrBodyTooLarge = errors.New("frame body too large")
)
