package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/membership"
)

// DropRule decides whether a message should be lost on its way.
type DropRule func(from, to membership.NodeID, msg *faildetector.Message) bool

// Network is an in-process network connecting memory transports. Messages are
// delivered synchronously, in the goroutine of the sender, which makes the
// behaviour of a simulated cluster deterministic. Every message is encoded and
// decoded on its way, so that the receiver never shares memory with the sender.
type Network struct {
	mut       sync.RWMutex
	nodes     map[membership.NodeID]*MemoryTransport
	rules     map[int]DropRule
	lastRule  int
	delivered uint64
	dropped   uint64
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[membership.NodeID]*MemoryTransport),
		rules: make(map[int]DropRule),
	}
}

// Transport returns the transport of the given node, creating it if needed.
func (n *Network) Transport(id membership.NodeID) *MemoryTransport {
	n.mut.Lock()
	defer n.mut.Unlock()

	if t, ok := n.nodes[id]; ok {
		return t
	}

	t := &MemoryTransport{id: id, net: n}
	n.nodes[id] = t

	return t
}

// AddRule installs a drop rule. The returned function removes it.
func (n *Network) AddRule(rule DropRule) (remove func()) {
	n.mut.Lock()
	defer n.mut.Unlock()

	n.lastRule++
	id := n.lastRule
	n.rules[id] = rule

	return func() {
		n.mut.Lock()
		delete(n.rules, id)
		n.mut.Unlock()
	}
}

// Isolate drops all messages sent to or from the node.
func (n *Network) Isolate(id membership.NodeID) (heal func()) {
	return n.AddRule(func(from, to membership.NodeID, _ *faildetector.Message) bool {
		return from == id || to == id
	})
}

// Cut drops all messages sent from one node to another. The opposite
// direction is not affected.
func (n *Network) Cut(from, to membership.NodeID) (heal func()) {
	return n.AddRule(func(f, t membership.NodeID, _ *faildetector.Message) bool {
		return f == from && t == to
	})
}

// Delivered returns the number of messages delivered so far.
func (n *Network) Delivered() uint64 {
	return atomic.LoadUint64(&n.delivered)
}

// Dropped returns the number of messages lost due to the drop rules.
func (n *Network) Dropped() uint64 {
	return atomic.LoadUint64(&n.dropped)
}

func (n *Network) route(from, to membership.NodeID, msg *faildetector.Message) (*MemoryTransport, bool, error) {
	n.mut.RLock()
	defer n.mut.RUnlock()

	peer, ok := n.nodes[to]
	if !ok {
		return nil, false, fmt.Errorf("%w: %d", ErrUnknownNode, to)
	}

	for _, rule := range n.rules {
		if rule(from, to, msg) {
			return nil, true, nil
		}
	}

	return peer, false, nil
}

// MemoryTransport is an endpoint of the in-process network.
type MemoryTransport struct {
	id      membership.NodeID
	net     *Network
	mut     sync.RWMutex
	handler faildetector.Handler
	closed  bool
}

var _ faildetector.Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Listen(h faildetector.Handler) {
	t.mut.Lock()
	t.handler = h
	t.mut.Unlock()
}

func (t *MemoryTransport) Send(ctx context.Context, to membership.NodeID, msg *faildetector.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.isClosed() {
		return ErrClosed
	}

	peer, dropped, err := t.net.route(t.id, to, msg)
	if err != nil {
		return err
	}

	if dropped {
		atomic.AddUint64(&t.net.dropped, 1)
		return nil
	}

	var copied faildetector.Message
	if err := Unmarshal(Marshal(msg), &copied); err != nil {
		return err
	}

	atomic.AddUint64(&t.net.delivered, 1)
	peer.deliver(&copied)

	return nil
}

func (t *MemoryTransport) deliver(msg *faildetector.Message) {
	t.mut.RLock()
	h, closed := t.handler, t.closed
	t.mut.RUnlock()

	// The receiver is not listening, which looks the same as a lost message.
	if h == nil || closed {
		return
	}

	_ = h.HandleMessage(msg)
}

func (t *MemoryTransport) isClosed() bool {
	t.mut.RLock()
	defer t.mut.RUnlock()

	return t.closed
}

// Close makes the transport drop all incoming messages and reject outgoing ones.
func (t *MemoryTransport) Close() error {
	t.mut.Lock()
	defer t.mut.Unlock()

	t.closed = true

	return nil
}
