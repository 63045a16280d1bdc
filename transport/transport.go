package transport

import (
	"errors"

	"github.com/maxpoletaev/swim/membership"
)

var (
	ErrClosed          = errors.New("transport closed")
	ErrMaxSizeExceeded = errors.New("max payload size exceeded")
	ErrUnknownNode     = errors.New("unknown node")
)

// Resolver maps member IDs to network addresses.
type Resolver interface {
	Addr(id membership.NodeID) (string, error)
}
