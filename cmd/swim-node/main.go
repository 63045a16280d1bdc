package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/maxpoletaev/swim/directory"
)

func join(ctx context.Context, list *directory.Memberlist, logger kitlog.Logger, addrs []string) {
	var (
		backoff = 1 * time.Second
		max     = 30 * time.Second
	)

	for {
		n, err := list.Join(addrs)
		if err == nil || n > 0 {
			level.Info(logger).Log("msg", "joined cluster", "contacted", n)
			return
		}

		level.Error(logger).Log(
			"msg", "failed to join cluster",
			"addrs", fmt.Sprint(addrs),
			"err", err,
		)

		backoff = backoff * 2
		if backoff > max {
			backoff = max
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			continue
		}
	}
}

func main() {
	p := flags.NewParser(&opts, flags.Default)

	if _, err := p.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); !ok || flagsErr.Type != flags.ErrHelp {
			fmt.Println("cli error:", err)
		}

		os.Exit(2)
	}

	appctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(appctx)

	// Initialize all components.
	logger, closeLogger := setupLogger()
	closeMetrics := setupMetrics(g, logger)
	dir, list, closeDirectory := setupDirectory(logger)
	store, closeStore := setupIncarnationStore(logger)
	tr, closeTransport := setupTransport(g, dir, logger)
	detector, closeDetector := setupDetector(dir, tr, store, logger)

	// Components must be shut down in a particular order.
	shutdownOrder := []shutdownFunc{
		closeDetector,
		closeDirectory,
		closeTransport,
		closeStore,
		closeMetrics,
		closeLogger,
	}

	g.Go(func() error {
		return detector.Run(ctx)
	})

	if addrs := parseAddrs(opts.Directory.JoinAddrs); list != nil && len(addrs) > 0 {
		go join(ctx, list, logger, addrs)
	}

	// Block until interrupted or one of the components fails.
	<-ctx.Done()
	level.Info(logger).Log("msg", "shutting down")

	for _, f := range shutdownOrder {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)

		if err := f(shutdownCtx); err != nil {
			level.Error(logger).Log("msg", "failed to shutdown component", "err", err)
		}

		cancelShutdown()
	}

	// Wait for all components to finish background tasks.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		level.Error(logger).Log("msg", "node stopped with error", "err", err)
		os.Exit(1)
	}
}
