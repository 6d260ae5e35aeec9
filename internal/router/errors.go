package router

import "errors"

var (
	// ErrGroupNotAccepted is returned at handshake when a declared group is
	// not in the relay's restricted policy.
	ErrGroupNotAccepted = errors.New("group not accepted")

	// ErrGroupFull is returned at handshake when joining a group would
	// exceed its configured member limit.
	ErrGroupFull = errors.New("group full")
)
