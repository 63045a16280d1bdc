package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/armon/go-metrics/prometheus"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/maxpoletaev/swim/directory"
	"github.com/maxpoletaev/swim/faildetector"
	"github.com/maxpoletaev/swim/internal/incarnation"
	"github.com/maxpoletaev/swim/internal/locker"
	"github.com/maxpoletaev/swim/membership"
	"github.com/maxpoletaev/swim/transport"
)

type shutdownFunc func(ctx context.Context) error

var noopShutdown = func(ctx context.Context) error { return nil }

// memberDirectory is both the source of members and the address book of the
// transport.
type memberDirectory interface {
	faildetector.Directory
	transport.Resolver
}

func setupLogger() (kitlog.Logger, shutdownFunc) {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "node", opts.Node.ID)

	if !opts.Verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	return logger, noopShutdown
}

func setupMetrics(g *errgroup.Group, logger kitlog.Logger) shutdownFunc {
	if opts.Metrics.BindAddr == "" {
		return noopShutdown
	}

	sink, err := prometheus.NewPrometheusSink()
	if err != nil {
		panic(fmt.Sprintf("failed to create prometheus sink: %v", err))
	}

	conf := metrics.DefaultConfig("")
	conf.EnableHostname = false

	if _, err := metrics.NewGlobal(conf, sink); err != nil {
		panic(fmt.Sprintf("failed to set up metrics: %v", err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              opts.Metrics.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}

		return nil
	})

	level.Info(logger).Log("msg", "serving metrics", "addr", opts.Metrics.BindAddr)

	return func(ctx context.Context) error {
		logger.Log("msg", "shutting down metrics server")

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}

		return nil
	}
}

func setupDirectory(logger kitlog.Logger) (memberDirectory, *directory.Memberlist, shutdownFunc) {
	self := membership.NodeID(opts.Node.ID)

	if opts.Directory.MembersFile != "" {
		static, err := directory.LoadFile(opts.Directory.MembersFile, self)
		if err != nil {
			panic(fmt.Sprintf("failed to load members: %v", err))
		}

		level.Info(logger).Log("msg", "using static member list", "members", len(static.LiveMembers()))

		return static, nil, noopShutdown
	}

	host, port, err := net.SplitHostPort(opts.Directory.BindAddr)
	if err != nil {
		panic(fmt.Sprintf("invalid memberlist bind address: %v", err))
	}

	conf := memberlist.DefaultLANConfig()
	conf.BindAddr = host

	if conf.BindPort, err = strconv.Atoi(port); err != nil {
		panic(fmt.Sprintf("invalid memberlist port: %v", err))
	}

	conf.AdvertisePort = conf.BindPort

	list, err := directory.NewMemberlist(directory.Meta{ID: self, Addr: advertiseAddr()}, conf, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to start memberlist: %v", err))
	}

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "leaving memberlist")

		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}

		if err := list.Leave(timeout); err != nil {
			return fmt.Errorf("failed to leave memberlist: %w", err)
		}

		return nil
	}

	return list, list, shutdown
}

func setupIncarnationStore(logger kitlog.Logger) (*incarnation.Store, shutdownFunc) {
	store, err := incarnation.Open(opts.Node.DataDir, membership.NodeID(opts.Node.ID), logger)
	if err != nil {
		panic(fmt.Sprintf("failed to open incarnation store: %v", err))
	}

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "closing incarnation store")
		return store.Close()
	}

	return store, shutdown
}

func setupTransport(g *errgroup.Group, resolver transport.Resolver, logger kitlog.Logger) (faildetector.Transport, shutdownFunc) {
	switch opts.Transport.Kind {
	case "grpc":
		return setupGRPCTransport(g, resolver, logger)
	default:
		return setupUDPTransport(resolver, logger)
	}
}

func setupUDPTransport(resolver transport.Resolver, logger kitlog.Logger) (faildetector.Transport, shutdownFunc) {
	tr, err := transport.ListenUDP(opts.Transport.BindAddr, resolver, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create UDP transport: %v", err))
	}

	level.Info(logger).Log("msg", "listening for udp messages", "addr", tr.LocalAddr())

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "closing UDP transport")
		return tr.Close()
	}

	return tr, shutdown
}

func setupGRPCTransport(g *errgroup.Group, resolver transport.Resolver, logger kitlog.Logger) (faildetector.Transport, shutdownFunc) {
	listener, err := net.Listen("tcp", opts.Transport.BindAddr)
	if err != nil {
		panic(fmt.Sprintf("failed to create GRPC listener: %v", err))
	}

	tr := transport.NewGRPCTransport(resolver, logger,
		transport.WithSendTimeout(millis(opts.Protocol.PingTimeout)))

	server := grpc.NewServer()
	tr.Register(server)

	g.Go(func() error {
		if err := server.Serve(listener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}

		return nil
	})

	level.Info(logger).Log("msg", "serving grpc transport", "addr", listener.Addr())

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "shutting down GRPC server")
		server.GracefulStop()

		return tr.Close()
	}

	return tr, shutdown
}

func setupDetector(
	dir faildetector.Directory,
	tr faildetector.Transport,
	store faildetector.IncarnationStore,
	logger kitlog.Logger,
) (*faildetector.Detector, shutdownFunc) {
	conf := faildetector.DefaultConfig()
	conf.ProtocolPeriod = millis(opts.Protocol.Period)
	conf.PingTimeout = millis(opts.Protocol.PingTimeout)
	conf.SuspectTimeout = suspectTimeout()
	conf.SubgroupSize = opts.Protocol.SubgroupSize
	conf.PiggybackLimit = opts.Protocol.PiggybackLimit
	conf.PiggybackTxMax = opts.Protocol.PiggybackTxMax
	conf.TickInterval = millis(opts.Protocol.TickInterval)
	conf.GlitchThreshold = millis(opts.Protocol.GlitchThreshold)

	var lock sync.Locker = locker.NewMutex()
	if opts.Protocol.Lock == "yielding" {
		lock = &locker.Yielding{}
	}

	detector, err := faildetector.New(dir, tr,
		faildetector.WithConfig(conf),
		faildetector.WithLogger(logger),
		faildetector.WithLocker(lock),
		faildetector.WithIncarnationStore(store),
		faildetector.WithDelegate(&eventLogger{logger: logger}),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create failure detector: %v", err))
	}

	if err := detector.Start(); err != nil {
		panic(fmt.Sprintf("failed to start failure detector: %v", err))
	}

	shutdown := func(ctx context.Context) error {
		logger.Log("msg", "stopping failure detector")
		detector.Stop()

		return nil
	}

	return detector, shutdown
}

// eventLogger reports membership transitions to the log.
type eventLogger struct {
	logger kitlog.Logger
}

func (l *eventLogger) NotifyStateChange(change membership.StateChange) {
	if change.Joined() {
		level.Info(l.logger).Log("msg", "member joined", "id", change.ID, "status", change.Next.Status)
		return
	}

	lvl := level.Info(l.logger)
	if change.Next.Status == membership.StatusDead {
		lvl = level.Warn(l.logger)
	}

	lvl.Log(
		"msg", "member state changed",
		"id", change.ID,
		"from", change.Prev.Status,
		"to", change.Next.Status,
		"incarnation", change.Next.Incarnation,
	)
}
