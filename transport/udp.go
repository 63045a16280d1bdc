package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/membership"
)

const (
	maxPayloadSize    = 1500 // implied by MTU
	receiveBufferSize = 1 * 1024 * 1024
)

type packet struct {
	len  int
	body []byte
}

func (p *packet) Body() []byte {
	return p.body[:p.len]
}

// UDPTransport sends every message as a single datagram.
type UDPTransport struct {
	logger   log.Logger
	resolver Resolver
	conn     *net.UDPConn
	pool     *sync.Pool
	mut      sync.RWMutex
	handler  faildetector.Handler
	addrs    map[membership.NodeID]*net.UDPAddr
	done     chan struct{}
	closed   int32
}

var _ faildetector.Transport = (*UDPTransport)(nil)

// ListenUDP starts a UDP listener on the given address. Incoming messages are
// decoded and passed to the handler registered with Listen.
func ListenUDP(addr string, resolver Resolver, logger log.Logger) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen udp port on %s: %w", addr, err)
	}

	// Set system buffer to larger size to reduce the number of packet drops
	// when the consumer is too busy to keep up with the incoming message rate.
	if err := conn.SetReadBuffer(receiveBufferSize); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to alter udp read buffer size: %w", err)
	}

	t := &UDPTransport{
		logger:   logger,
		resolver: resolver,
		conn:     conn,
		addrs:    make(map[membership.NodeID]*net.UDPAddr),
		done:     make(chan struct{}),
		pool: &sync.Pool{
			New: func() any {
				return &packet{
					body: make([]byte, maxPayloadSize),
				}
			},
		},
	}

	go t.consume()

	return t, nil
}

// LocalAddr returns the address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Listen(h faildetector.Handler) {
	t.mut.Lock()
	t.handler = h
	t.mut.Unlock()
}

func (t *UDPTransport) consume() {
	const (
		initialDelay = 30 * time.Millisecond
		maxDelay     = 10 * time.Second
	)

	defer close(t.done)

	delay := initialDelay

	for {
		pkt := t.pool.Get().(*packet)

		n, addr, err := t.conn.ReadFromUDP(pkt.body)
		if err != nil {
			t.pool.Put(pkt)

			if atomic.LoadInt32(&t.closed) == 1 {
				return
			}

			level.Error(t.logger).Log("msg", "failed to read from udp", "err", err)
			time.Sleep(delay)

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}

			continue
		}

		delay = initialDelay

		if n == 0 {
			level.Warn(t.logger).Log("msg", "received empty udp packet", "from", addr)
			t.pool.Put(pkt)

			continue
		}

		pkt.len = n
		t.dispatch(pkt, addr)
		t.pool.Put(pkt)
	}
}

func (t *UDPTransport) dispatch(pkt *packet, from net.Addr) {
	var msg faildetector.Message
	if err := Unmarshal(pkt.Body(), &msg); err != nil {
		level.Warn(t.logger).Log("msg", "failed to decode udp packet", "from", from, "err", err)
		return
	}

	t.mut.RLock()
	h := t.handler
	t.mut.RUnlock()

	if h == nil {
		return
	}

	if err := h.HandleMessage(&msg); err != nil {
		level.Debug(t.logger).Log("msg", "message rejected", "from", from, "kind", msg.Kind, "err", err)
	}
}

func (t *UDPTransport) resolve(id membership.NodeID) (*net.UDPAddr, error) {
	t.mut.RLock()
	addr, ok := t.addrs[id]
	t.mut.RUnlock()

	if ok {
		return addr, nil
	}

	s, err := t.resolver.Addr(id)
	if err != nil {
		return nil, err
	}

	addr, err = net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", s, err)
	}

	t.mut.Lock()
	t.addrs[id] = addr
	t.mut.Unlock()

	return addr, nil
}

func (t *UDPTransport) Send(ctx context.Context, to membership.NodeID, msg *faildetector.Message) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	addr, err := t.resolve(to)
	if err != nil {
		return err
	}

	pkt := t.pool.Get().(*packet)
	defer t.pool.Put(pkt)

	payload := AppendMessage(pkt.body[:0], msg)
	if len(payload) > maxPayloadSize {
		return ErrMaxSizeExceeded
	}

	if _, err = t.conn.WriteToUDP(payload, addr); err != nil {
		if atomic.LoadInt32(&t.closed) == 1 {
			return ErrClosed
		}

		return fmt.Errorf("failed to send message to udp socket: %w", err)
	}

	return nil
}

// Close stops the listener and waits for the consumer loop to exit.
func (t *UDPTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}

	if err := t.conn.Close(); err != nil {
		return err
	}

	<-t.done

	return nil
}
