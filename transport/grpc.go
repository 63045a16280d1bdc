package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/internal/grpcutil"
	"github.com/maxpoletaev/swim/internal/multierror"
	"github.com/maxpoletaev/swim/membership"
)

const deliverMethod = "/swim.Transport/Deliver"

type deliverServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}

	return interceptor(ctx, in, info, handler)
}

// The service has a single unary method carrying an encoded message, so the
// descriptor is written by hand rather than generated.
var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "swim.Transport",
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "swim/transport.proto",
}

type GRPCOption func(*GRPCTransport)

// WithSendTimeout bounds the time a single message may spend in flight.
func WithSendTimeout(timeout time.Duration) GRPCOption {
	return func(t *GRPCTransport) {
		t.timeout = timeout
	}
}

// WithDialOptions adds options to every client connection.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(t *GRPCTransport) {
		t.dialOpts = append(t.dialOpts, opts...)
	}
}

// GRPCTransport delivers messages as unary gRPC calls. It is meant for
// deployments that already run a gRPC server and do not want to open
// a separate UDP port. Sends are asynchronous: Send returns as soon as the
// call is started, and the outcome is only logged.
type GRPCTransport struct {
	logger   log.Logger
	resolver Resolver
	timeout  time.Duration
	dialOpts []grpc.DialOption
	mut      sync.RWMutex
	handler  faildetector.Handler
	conns    map[membership.NodeID]*grpc.ClientConn
	wg       sync.WaitGroup
	closed   bool
}

var (
	_ faildetector.Transport = (*GRPCTransport)(nil)
	_ deliverServer          = (*GRPCTransport)(nil)
)

func NewGRPCTransport(resolver Resolver, logger log.Logger, opts ...GRPCOption) *GRPCTransport {
	t := &GRPCTransport{
		logger:   logger,
		resolver: resolver,
		timeout:  time.Second,
		conns:    make(map[membership.NodeID]*grpc.ClientConn),
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)),
		},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Register adds the transport service to the server.
func (t *GRPCTransport) Register(s *grpc.Server) {
	s.RegisterService(&transportServiceDesc, t)
}

func (t *GRPCTransport) Listen(h faildetector.Handler) {
	t.mut.Lock()
	t.handler = h
	t.mut.Unlock()
}

// Deliver implements the server side of the transport.
func (t *GRPCTransport) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var msg faildetector.Message
	if err := Unmarshal(in.GetValue(), &msg); err != nil {
		return nil, grpcutil.StatusError(codes.InvalidArgument, err)
	}

	t.mut.RLock()
	h := t.handler
	t.mut.RUnlock()

	if h == nil {
		return nil, status.Error(codes.Unavailable, "not listening")
	}

	if err := h.HandleMessage(&msg); err != nil {
		if errors.Is(err, faildetector.ErrNotRunning) {
			return nil, grpcutil.StatusError(codes.Unavailable, err)
		}

		return nil, grpcutil.StatusError(codes.InvalidArgument, err)
	}

	return &emptypb.Empty{}, nil
}

// conn returns a client connection to the member, dialing it if needed. The
// dial does not wait for the connection to be established.
func (t *GRPCTransport) conn(id membership.NodeID) (*grpc.ClientConn, error) {
	t.mut.RLock()
	conn, ok := t.conns[id]
	closed := t.closed
	t.mut.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	if ok {
		return conn, nil
	}

	addr, err := t.resolver.Addr(id)
	if err != nil {
		return nil, err
	}

	t.mut.Lock()
	defer t.mut.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	if conn, ok := t.conns[id]; ok {
		return conn, nil
	}

	conn, err = grpc.Dial(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial failed: %w", err)
	}

	t.conns[id] = conn

	return conn, nil
}

func (t *GRPCTransport) Send(ctx context.Context, to membership.NodeID, msg *faildetector.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := t.conn(to)
	if err != nil {
		return err
	}

	in := &wrapperspb.BytesValue{Value: Marshal(msg)}

	// Add must not race with the Wait in Close.
	t.mut.RLock()

	if t.closed {
		t.mut.RUnlock()
		return ErrClosed
	}

	t.wg.Add(1)
	t.mut.RUnlock()

	go func() {
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		if err := conn.Invoke(ctx, deliverMethod, in, new(emptypb.Empty)); err != nil {
			logger := level.Warn(t.logger)

			// Unreachable members are the failure detector's business.
			if grpcutil.IsUnavailable(err) || ctx.Err() != nil {
				logger = level.Debug(t.logger)
			}

			logger.Log("msg", "failed to deliver message", "to", to, "kind", msg.Kind, "err", err)
		}
	}()

	return nil
}

// Close waits for the messages in flight and closes all client connections.
// The gRPC server the transport is registered with is not stopped.
func (t *GRPCTransport) Close() error {
	t.mut.Lock()

	if t.closed {
		t.mut.Unlock()
		return nil
	}

	t.closed = true
	t.mut.Unlock()

	t.wg.Wait()

	t.mut.Lock()
	defer t.mut.Unlock()

	errs := multierror.New[membership.NodeID]()

	for id, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs.Add(id, err)
		}

		delete(t.conns, id)
	}

	return errs.Combined()
}
