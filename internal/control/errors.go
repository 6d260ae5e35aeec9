package control

import "errors"

// ErrBadReply is returned when the control server answers with an
// unexpected command.
var ErrBadReply = errors.New("unexpected control reply")
