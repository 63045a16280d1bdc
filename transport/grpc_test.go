package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/internal/grpcutil"
	"github.com/maxpoletaev/swim/membership"
)

func startBufServer(t *testing.T, tr *GRPCTransport) *bufconn.Listener {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	tr.Register(srv)

	go func() {
		_ = srv.Serve(lis)
	}()

	t.Cleanup(srv.Stop)

	return lis
}

func TestGRPCTransport_Send(t *testing.T) {
	receiver := NewGRPCTransport(&mapResolver{}, log.NewNopLogger())
	lis := startBufServer(t, receiver)

	h := newChanHandler()
	receiver.Listen(h)

	resolver := &mapResolver{}
	resolver.set(2, "bufnet")

	sender := NewGRPCTransport(resolver, log.NewNopLogger(),
		WithSendTimeout(5*time.Second),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)

	msg := &faildetector.Message{
		Kind:    faildetector.KindPing,
		From:    1,
		Target:  2,
		Seq:     11,
		Updates: []membership.Update{{Subject: 3, State: membership.Alive(4)}},
	}

	require.NoError(t, sender.Send(context.Background(), 2, msg))

	select {
	case received := <-h.ch:
		require.Equal(t, msg, received)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	require.NoError(t, sender.Close())
	require.ErrorIs(t, sender.Send(context.Background(), 2, msg), ErrClosed)
}

type countingHandler struct {
	n int64
}

func (h *countingHandler) HandleMessage(*faildetector.Message) error {
	atomic.AddInt64(&h.n, 1)
	return nil
}

func TestGRPCTransport_SendDuringClose(t *testing.T) {
	receiver := NewGRPCTransport(&mapResolver{}, log.NewNopLogger())
	lis := startBufServer(t, receiver)
	receiver.Listen(&countingHandler{})

	resolver := &mapResolver{}
	resolver.set(2, "bufnet")

	sender := NewGRPCTransport(resolver, log.NewNopLogger(),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)

	msg := &faildetector.Message{Kind: faildetector.KindPing, From: 1, Target: 2, Seq: 1}
	start := make(chan struct{})
	wg := sync.WaitGroup{}

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			for j := 0; j < 50; j++ {
				err := sender.Send(context.Background(), 2, msg)
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
				}
			}
		}()
	}

	close(start)
	require.NoError(t, sender.Close())
	wg.Wait()

	// Nothing is dialed or sent once the transport is closed.
	require.ErrorIs(t, sender.Send(context.Background(), 2, msg), ErrClosed)

	sender.mut.RLock()
	defer sender.mut.RUnlock()

	require.Empty(t, sender.conns)
}

func TestGRPCTransport_Deliver(t *testing.T) {
	type test struct {
		payload  []byte
		handler  faildetector.Handler
		wantCode codes.Code
	}

	notRunning := newChanHandler()
	notRunning.err = faildetector.ErrNotRunning

	tests := map[string]test{
		"Delivered": {
			payload:  Marshal(&faildetector.Message{Kind: faildetector.KindPing, From: 1}),
			handler:  newChanHandler(),
			wantCode: codes.OK,
		},
		"Malformed": {
			payload:  []byte{0x80},
			handler:  newChanHandler(),
			wantCode: codes.InvalidArgument,
		},
		"NotListening": {
			payload:  Marshal(&faildetector.Message{Kind: faildetector.KindPing, From: 1}),
			handler:  nil,
			wantCode: codes.Unavailable,
		},
		"NotRunning": {
			payload:  Marshal(&faildetector.Message{Kind: faildetector.KindPing, From: 1}),
			handler:  notRunning,
			wantCode: codes.Unavailable,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tr := NewGRPCTransport(&mapResolver{}, log.NewNopLogger())
			if tt.handler != nil {
				tr.Listen(tt.handler)
			}

			_, err := tr.Deliver(context.Background(), &wrapperspb.BytesValue{Value: tt.payload})
			require.Equal(t, tt.wantCode, grpcutil.ErrorCode(err))
		})
	}
}

func TestGRPCTransport_UnknownNode(t *testing.T) {
	tr := NewGRPCTransport(&mapResolver{}, log.NewNopLogger())

	err := tr.Send(context.Background(), 2, &faildetector.Message{Kind: faildetector.KindPing})
	require.ErrorIs(t, err, ErrUnknownNode)
}
