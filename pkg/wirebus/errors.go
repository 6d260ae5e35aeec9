package wirebus

import (
	"errors"

	"github.com/wirebus/wirebus/internal/endpoint"
)

var (
	// ErrEmptyDestination is returned for a destination with no group names.
	ErrEmptyDestination = errors.New("destination must name at least one group")

	// ErrBadDestination is returned for a destination that is not a group
	// name, a slice of group names, or a map of group name to count.
	ErrBadDestination = errors.New("unsupported destination shape")

	// ErrBadMaxItems is returned when a retrieval is asked for fewer than
	// one item.
	ErrBadMaxItems = errors.New("maxItems must be positive")

	// ErrStopped is returned when the endpoint has been stopped.
	ErrStopped = endpoint.ErrStopped
)
