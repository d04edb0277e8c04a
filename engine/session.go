package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tallyhq/tally-sync/internal/models"
	"github.com/tallyhq/tally-sync/internal/retry"
)

// Transport is the single underlying realtime connection the session
// owns. Connect performs the dial and handshake; Run blocks for the life
// of one connection and returns when it drops.
type Transport interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	Close() error
}

// SessionConfig tunes the connection state machine.
type SessionConfig struct {
	// DrainInterval is the period of the queue drain timer that runs
	// while Connected.
	DrainInterval time.Duration

	// ReconnectDelay is the base delay before a reconnect attempt.
	ReconnectDelay time.Duration

	// ReconnectMax caps the exponential reconnect delay.
	ReconnectMax time.Duration

	// ReconnectFixed disables exponential growth, restoring a fixed
	// reconnect interval.
	ReconnectFixed bool
}

func (c *SessionConfig) withDefaults() {
	if c.DrainInterval <= 0 {
		c.DrainInterval = 60 * time.Second
	}

	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}

	if c.ReconnectMax < c.ReconnectDelay {
		c.ReconnectMax = 60 * time.Second
	}
}

// Session runs the connection state machine: connect, reconnect with
// backoff on transport failure, and the periodic drain timer while
// connected. State transitions are observable through a replaying
// multi-listener stream.
type Session struct {
	transport Transport
	logger    *slog.Logger
	cfg       SessionConfig

	// pending and drain are set by the coordinator before Start. The
	// drain timer fires only when pending() > 0; drain errors on the
	// timer path are logged and swallowed so the timer keeps ticking.
	pending func() int
	drain   func(ctx context.Context) error

	// teardown runs during Stop, after the run loop has exited. The
	// coordinator uses it to release every active channel.
	teardown func(ctx context.Context)

	stateMu   sync.Mutex
	state     models.ConnectionState
	listeners map[int]chan models.ConnectionState
	nextID    int

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSession creates a session over the transport. It starts in
// Disconnected and does nothing until Start.
func NewSession(transport Transport, cfg SessionConfig, logger *slog.Logger) *Session {
	cfg.withDefaults()

	return &Session{
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		state:     models.Disconnected,
		listeners: make(map[int]chan models.ConnectionState),
	}
}

// SetDrain registers the periodic drain callback and the pending-count
// probe that gates it.
func (s *Session) SetDrain(pending func() int, drain func(ctx context.Context) error) {
	s.pending = pending
	s.drain = drain
}

// SetTeardown registers the channel-release hook run during Stop.
func (s *Session) SetTeardown(f func(ctx context.Context)) {
	s.teardown = f
}

// Start launches the connection loop. Calling Start on a running
// session is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.stateMu.Lock()
	if s.started {
		s.stateMu.Unlock()
		return
	}

	s.started = true
	s.stateMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
}

// Stop cancels the drain and reconnect timers, waits for the run loop to
// exit, releases every active channel, and closes the transport. It does
// not clear the persisted queue: pending mutations survive stop/start
// cycles.
func (s *Session) Stop(ctx context.Context) {
	s.stateMu.Lock()
	if !s.started {
		s.stateMu.Unlock()
		return
	}

	s.started = false
	s.stateMu.Unlock()

	s.cancel()
	<-s.done

	if s.teardown != nil {
		s.teardown(ctx)
	}

	if err := s.transport.Close(); err != nil {
		s.logger.Debug("closing transport", slog.String("error", err.Error()))
	}

	s.setState(models.Disconnected)
}

// run is the connection loop: connect, serve one connection, wait out
// the reconnect delay, repeat. Exits on context cancellation or a
// permanent error.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if attempt == 0 {
			s.setState(models.Connecting)
		} else {
			s.setState(models.Reconnecting)
		}

		if err := s.transport.Connect(ctx); err != nil {
			s.setState(models.Disconnected)

			if ctx.Err() != nil {
				return
			}

			if isPermanentError(err) {
				s.logger.Error("permanent connect error, giving up",
					slog.String("error", err.Error()),
				)

				return
			}

			attempt++

			delay := s.reconnectDelay(attempt)
			s.logger.Warn("connect failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)

			if !sleepCtx(ctx, delay) {
				return
			}

			continue
		}

		s.setState(models.Connected)
		s.logger.Info("connected")

		attempt = 0

		err := s.serveConnection(ctx)

		s.setState(models.Disconnected)

		if ctx.Err() != nil {
			return
		}

		if isPermanentError(err) {
			s.logger.Error("permanent connection error, giving up",
				slog.String("error", err.Error()),
			)

			return
		}

		attempt++

		delay := s.reconnectDelay(attempt)
		s.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// serveConnection runs the transport event loop alongside the drain
// ticker for the life of one connection. Returns the transport's exit
// error.
func (s *Session) serveConnection(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.transport.Run(connCtx)
	}()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err

		case <-ticker.C:
			if s.drain == nil || (s.pending != nil && s.pending() == 0) {
				continue
			}

			if err := s.drain(ctx); err != nil {
				s.logger.Warn("periodic drain failed",
					slog.String("error", err.Error()),
				)
			}

		case <-ctx.Done():
			cancel()

			return <-errCh
		}
	}
}

// reconnectDelay computes the wait before reconnect attempt n (1-based).
func (s *Session) reconnectDelay(attempt int) time.Duration {
	if s.cfg.ReconnectFixed {
		return s.cfg.ReconnectDelay
	}

	return retry.Delay(retry.Config{
		BaseDelay:  s.cfg.ReconnectDelay,
		MaxDelay:   s.cfg.ReconnectMax,
		Multiplier: 2,
		Jitter:     true,
	}, attempt)
}

// State returns the current connection state.
func (s *Session) State() models.ConnectionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return s.state
}

// States subscribes to connection state changes. The current value is
// delivered immediately, so a late observer never sees a stale default.
// The channel conflates: a slow reader always observes the latest state,
// possibly skipping intermediate ones. The returned cancel detaches the
// listener.
func (s *Session) States() (<-chan models.ConnectionState, func()) {
	ch := make(chan models.ConnectionState, 1)

	s.stateMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = ch
	ch <- s.state
	s.stateMu.Unlock()

	cancel := func() {
		s.stateMu.Lock()
		delete(s.listeners, id)
		s.stateMu.Unlock()
	}

	return ch, cancel
}

func (s *Session) setState(st models.ConnectionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state == st {
		return
	}

	s.state = st

	for _, ch := range s.listeners {
		// Conflating send: replace a pending unread value instead of
		// blocking the state machine on a slow listener.
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "auth failed")
}

// sleepCtx waits for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
