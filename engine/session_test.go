package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallyhq/tally-sync/internal/models"
)

// fakeTransport scripts connect outcomes and connection drops. Run
// blocks until a drop is injected via runErrs or the context ends.
type fakeTransport struct {
	mu       sync.Mutex
	connectN int
	connErrs []error
	closeN   int

	runErrs chan error
}

func newFakeTransport(connErrs ...error) *fakeTransport {
	return &fakeTransport{
		connErrs: connErrs,
		runErrs:  make(chan error, 4),
	}
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connectN++

	if len(f.connErrs) > 0 {
		err := f.connErrs[0]
		f.connErrs = f.connErrs[1:]

		return err
	}

	return nil
}

func (f *fakeTransport) Run(ctx context.Context) error {
	select {
	case err := <-f.runErrs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeN++

	return nil
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connectN
}

func (f *fakeTransport) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closeN
}

func newTestSession(transport Transport, cfg SessionConfig) *Session {
	return NewSession(transport, cfg, slog.Default())
}

// waitState consumes the state stream until want arrives. The stream
// conflates, so intermediate states may be skipped.
func waitState(t *testing.T, ch <-chan models.ConnectionState, want models.ConnectionState) {
	t.Helper()

	timeout := time.NewTimer(time.Minute)
	defer timeout.Stop()

	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-timeout.C:
			t.Fatalf("state %s never observed", want)
		}
	}
}

func TestSession_ConnectsOnStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport()
		sess := newTestSession(transport, SessionConfig{})

		states, cancelStates := sess.States()
		defer cancelStates()

		// Initial value replays immediately.
		assert.Equal(t, models.Disconnected, <-states)

		sess.Start(context.Background())
		waitState(t, states, models.Connected)

		assert.Equal(t, 1, transport.connects())
		assert.Equal(t, models.Connected, sess.State())

		sess.Stop(context.Background())
	})
}

func TestSession_StartTwiceIsNoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport()
		sess := newTestSession(transport, SessionConfig{})

		states, cancelStates := sess.States()
		defer cancelStates()

		sess.Start(context.Background())
		sess.Start(context.Background())

		waitState(t, states, models.Connected)
		assert.Equal(t, 1, transport.connects())

		sess.Stop(context.Background())
	})
}

func TestSession_RetriesFailedConnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport(
			fmt.Errorf("dialing websocket: connection refused"),
			fmt.Errorf("dialing websocket: connection refused"),
		)
		sess := newTestSession(transport, SessionConfig{
			ReconnectDelay: time.Second,
			ReconnectFixed: true,
		})

		states, cancelStates := sess.States()
		defer cancelStates()

		sess.Start(context.Background())
		waitState(t, states, models.Connected)

		assert.Equal(t, 3, transport.connects())

		sess.Stop(context.Background())
	})
}

func TestSession_PermanentConnectErrorGivesUp(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport(fmt.Errorf("auth failed: invalid key"))
		sess := newTestSession(transport, SessionConfig{
			ReconnectDelay: time.Second,
			ReconnectFixed: true,
		})

		sess.Start(context.Background())

		// Give any (wrong) reconnect timers a chance to fire.
		time.Sleep(10 * time.Second)
		synctest.Wait()

		assert.Equal(t, 1, transport.connects())
		assert.Equal(t, models.Disconnected, sess.State())

		sess.Stop(context.Background())
	})
}

func TestSession_ReconnectsAfterConnectionDrop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport()
		sess := newTestSession(transport, SessionConfig{
			ReconnectDelay: time.Second,
			ReconnectFixed: true,
		})

		states, cancelStates := sess.States()
		defer cancelStates()

		sess.Start(context.Background())
		waitState(t, states, models.Connected)

		transport.runErrs <- fmt.Errorf("reading message: websocket: close 1006")

		waitState(t, states, models.Connected)
		assert.Equal(t, 2, transport.connects())

		sess.Stop(context.Background())
	})
}

func TestSession_DrainTimerFiresWhilePending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport()
		sess := newTestSession(transport, SessionConfig{DrainInterval: time.Second})

		var drains atomic.Int32

		sess.SetDrain(
			func() int { return 1 },
			func(context.Context) error {
				drains.Add(1)
				return nil
			},
		)

		states, cancelStates := sess.States()
		defer cancelStates()

		sess.Start(context.Background())
		waitState(t, states, models.Connected)

		time.Sleep(3500 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, int32(3), drains.Load())

		sess.Stop(context.Background())
	})
}

func TestSession_DrainTimerSkipsWhenQueueEmpty(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport()
		sess := newTestSession(transport, SessionConfig{DrainInterval: time.Second})

		var drains atomic.Int32

		sess.SetDrain(
			func() int { return 0 },
			func(context.Context) error {
				drains.Add(1)
				return nil
			},
		)

		states, cancelStates := sess.States()
		defer cancelStates()

		sess.Start(context.Background())
		waitState(t, states, models.Connected)

		time.Sleep(5 * time.Second)
		synctest.Wait()

		assert.Equal(t, int32(0), drains.Load())

		sess.Stop(context.Background())
	})
}

func TestSession_DrainErrorDoesNotStopTimer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport()
		sess := newTestSession(transport, SessionConfig{DrainInterval: time.Second})

		var drains atomic.Int32

		sess.SetDrain(
			func() int { return 1 },
			func(context.Context) error {
				drains.Add(1)
				return fmt.Errorf("applying INSERT expenses/e-1: no active connection to sync backend")
			},
		)

		states, cancelStates := sess.States()
		defer cancelStates()

		sess.Start(context.Background())
		waitState(t, states, models.Connected)

		time.Sleep(2500 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, int32(2), drains.Load())

		sess.Stop(context.Background())
	})
}

func TestSession_StopRunsTeardownAndClosesTransport(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		transport := newFakeTransport()
		sess := newTestSession(transport, SessionConfig{})

		tornDown := false
		sess.SetTeardown(func(context.Context) { tornDown = true })

		states, cancelStates := sess.States()
		defer cancelStates()

		sess.Start(context.Background())
		waitState(t, states, models.Connected)

		sess.Stop(context.Background())

		assert.True(t, tornDown)
		assert.Equal(t, 1, transport.closed())
		assert.Equal(t, models.Disconnected, sess.State())
	})
}

func TestSession_StopBeforeStartIsNoop(t *testing.T) {
	transport := newFakeTransport()
	sess := newTestSession(transport, SessionConfig{})

	sess.Stop(context.Background())

	assert.Equal(t, 0, transport.closed())
	assert.Equal(t, models.Disconnected, sess.State())
}

func TestSession_StatesConflateForSlowListeners(t *testing.T) {
	transport := newFakeTransport()
	sess := newTestSession(transport, SessionConfig{})

	states, cancelStates := sess.States()
	defer cancelStates()

	// The listener never reads while three transitions happen; only the
	// latest survives.
	sess.setState(models.Connecting)
	sess.setState(models.Connected)
	sess.setState(models.Reconnecting)

	assert.Equal(t, models.Reconnecting, <-states)

	select {
	case st := <-states:
		t.Fatalf("unexpected buffered state %s", st)
	default:
	}
}

func TestSession_StatesCancelDetaches(t *testing.T) {
	transport := newFakeTransport()
	sess := newTestSession(transport, SessionConfig{})

	states, cancelStates := sess.States()
	require.Equal(t, models.Disconnected, <-states)

	cancelStates()
	sess.setState(models.Connected)

	select {
	case st := <-states:
		t.Fatalf("detached listener received %s", st)
	default:
	}
}

func TestReconnectDelay_Fixed(t *testing.T) {
	sess := newTestSession(newFakeTransport(), SessionConfig{
		ReconnectDelay: 5 * time.Second,
		ReconnectFixed: true,
	})

	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 5*time.Second, sess.reconnectDelay(attempt))
	}
}

func TestReconnectDelay_ExponentialStaysInJitterBounds(t *testing.T) {
	sess := newTestSession(newFakeTransport(), SessionConfig{
		ReconnectDelay: 5 * time.Second,
		ReconnectMax:   60 * time.Second,
	})

	for range 50 {
		d := sess.reconnectDelay(2)

		// Nominal 10s, jittered by up to 25% either way.
		assert.GreaterOrEqual(t, d, 7500*time.Millisecond)
		assert.LessOrEqual(t, d, 12500*time.Millisecond)
	}

	for range 50 {
		d := sess.reconnectDelay(10)

		// Nominal value caps at ReconnectMax before jitter.
		assert.LessOrEqual(t, d, 75*time.Second)
	}
}

func TestIsPermanentError(t *testing.T) {
	assert.True(t, isPermanentError(fmt.Errorf("auth failed: invalid key")))
	assert.False(t, isPermanentError(fmt.Errorf("dialing websocket: connection refused")))
	assert.False(t, isPermanentError(nil))
}
