package faildetector

import (
	"context"

	"github.com/maxpoletaev/swim/membership"
)

//go:generate mockgen -source=facilities.go -destination=facilities_mock_test.go -package=faildetector

// Handler receives messages delivered by a transport.
type Handler interface {
	HandleMessage(msg *Message) error
}

// Transport delivers protocol messages to other members. Send must not block
// until the message is answered: acknowledgements come back as separate
// messages through the registered handler. Delivery is not guaranteed.
type Transport interface {
	Send(ctx context.Context, to membership.NodeID, msg *Message) error
	Listen(h Handler)
}

// Directory is the authoritative list of members the detector works with.
type Directory interface {
	SelfID() membership.NodeID
	LiveMembers() []membership.NodeID
}

// Delegate receives membership changes observed by the detector. The calls are
// made outside of the detector lock, so the delegate may call back into the
// detector, but it should return quickly.
type Delegate interface {
	NotifyStateChange(change membership.StateChange)
}

// IncarnationStore persists the incarnation number of the local node.
type IncarnationStore interface {
	Load() (uint64, error)
	Save(incarnation uint64) error
}

// Rand is the subset of *math/rand.Rand used for target selection.
type Rand interface {
	Shuffle(n int, swap func(i, j int))
	Intn(n int) int
}

// NoopDelegate is a delegate that does nothing.
type NoopDelegate struct{}

func (NoopDelegate) NotifyStateChange(membership.StateChange) {}

var _ Delegate = NoopDelegate{}
