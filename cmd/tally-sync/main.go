package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tallyhq/tally-sync/engine"
	"github.com/tallyhq/tally-sync/internal/config"
	"github.com/tallyhq/tally-sync/internal/logging"
	"github.com/tallyhq/tally-sync/internal/realtime"
	"github.com/tallyhq/tally-sync/internal/store"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("tally-sync starting",
		slog.String("version", Version),
		slog.String("host", cfg.RealtimeHost),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slot, err := store.Open(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer slot.Close()

	queueStore := store.NewQueueStore(slot, logging.Component(logger, "store"))

	client := realtime.NewClient(realtime.Config{
		Host:   cfg.RealtimeHost,
		APIKey: cfg.APIKey,
		Device: cfg.DeviceName,
	}, logging.Component(logger, "realtime"))

	coord := engine.New(client, queueStore, engine.Config{
		Session: engine.SessionConfig{
			DrainInterval:  cfg.DrainInterval,
			ReconnectDelay: cfg.ReconnectDelay,
			ReconnectMax:   cfg.ReconnectMax,
			ReconnectFixed: cfg.ReconnectFixed,
		},
		QueueLimit: cfg.QueueLimit,
	}, logger)

	if err := coord.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing sync engine: %w", err)
	}
	defer coord.Dispose(context.Background())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchConnectionState(gctx, coord, logger)
	})

	if cfg.Subscriptions != "" {
		subs, err := config.LoadSubscriptions(cfg.Subscriptions)
		if err != nil {
			return err
		}

		for _, sub := range subs {
			for _, entity := range sub.Entities {
				stream, err := coord.SubscribeTo(gctx, sub.Group, entity)
				if err != nil {
					return fmt.Errorf("subscribing to %s/%s: %w", sub.Group, entity, err)
				}

				g.Go(func() error {
					return consumeStream(gctx, stream, logger)
				})
			}
		}

		logger.Info("subscriptions active", slog.Int("groups", len(subs)))
	}

	<-gctx.Done()
	stop()

	logger.Info("shutting down",
		slog.Int("queued_changes", coord.QueuedChangesCount()),
	)

	coord.Dispose(context.Background())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// watchConnectionState logs session transitions along with the pending
// queue gauge so operators can see stalled drains.
func watchConnectionState(ctx context.Context, coord *engine.Coordinator, logger *slog.Logger) error {
	states, cancel := coord.ConnectionStates()
	defer cancel()

	for {
		select {
		case st := <-states:
			logger.Info("connection state",
				slog.String("state", st.String()),
				slog.Int("queued_changes", coord.QueuedChangesCount()),
			)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consumeStream logs pushed change events until the stream closes.
func consumeStream(ctx context.Context, stream *engine.Stream, logger *slog.Logger) error {
	for {
		select {
		case ev, ok := <-stream.C:
			if !ok {
				return nil
			}

			logger.Info("change event",
				slog.String("key", stream.Key().String()),
				slog.String("type", string(ev.Type)),
			)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
