package transport

import (
	"fmt"
	"sync"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/membership"
)

type mapResolver struct {
	mut   sync.Mutex
	addrs map[membership.NodeID]string
}

func (r *mapResolver) Addr(id membership.NodeID) (string, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	addr, ok := r.addrs[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}

	return addr, nil
}

func (r *mapResolver) set(id membership.NodeID, addr string) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.addrs == nil {
		r.addrs = make(map[membership.NodeID]string)
	}

	r.addrs[id] = addr
}

type chanHandler struct {
	ch  chan *faildetector.Message
	err error
}

func newChanHandler() *chanHandler {
	return &chanHandler{ch: make(chan *faildetector.Message, 16)}
}

func (h *chanHandler) HandleMessage(msg *faildetector.Message) error {
	h.ch <- msg
	return h.err
}
