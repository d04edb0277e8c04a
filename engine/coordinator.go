// Package engine is the offline-first sync engine: it keeps local
// mutations durable across restarts, multiplexes logical subscriptions
// onto shared backend channels, and manages connect/reconnect/backoff
// against an intermittently available network.
package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/tallyhq/tally-sync/internal/logging"
	"github.com/tallyhq/tally-sync/internal/models"
	"github.com/tallyhq/tally-sync/internal/retry"
)

// Mutator applies one row mutation to the backend. Applies are
// idempotent keyed on MutationRecord.ID, so a retried record must not
// duplicate effect server-side.
type Mutator interface {
	Apply(ctx context.Context, rec models.MutationRecord) error
}

// QueueStore is the durable home of the pending queue.
type QueueStore interface {
	Save(records []models.MutationRecord) error
	Load() ([]models.MutationRecord, error)
	RemoveByIDs(ids []string) error
}

// Backend is everything the coordinator needs from the realtime service.
type Backend interface {
	Transport
	ChannelService
	Mutator
}

// Config tunes a Coordinator.
type Config struct {
	Session SessionConfig

	// QueueLimit bounds the pending queue; the oldest record is evicted
	// first on overflow. Zero means 1000.
	QueueLimit int

	// ApplyRetry wraps each per-record apply during a drain. Zero value
	// means the quick preset.
	ApplyRetry retry.Config

	// StreamBuffer is the per-stream event channel capacity. Zero means 64.
	StreamBuffer int
}

func (c *Config) withDefaults() {
	if c.QueueLimit <= 0 {
		c.QueueLimit = 1000
	}

	if c.ApplyRetry.MaxAttempts == 0 {
		c.ApplyRetry = retry.Quick()
	}

	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 64
	}
}

// Stream delivers backend change events for one SubscribeTo call. Each
// call gets its own channel; channel-opens are still shared per key
// through the multiplexer.
type Stream struct {
	// C receives the change events. It is closed when the stream is
	// unsubscribed or the coordinator is disposed.
	C <-chan models.ChangeEvent

	key     models.SubscriptionKey
	groupID string
	handle  *Handle
	ch      chan models.ChangeEvent

	// mu orders deliver against closeDelivery: the mux can still be
	// dispatching from a listener snapshot taken just before this stream
	// detached, so an unguarded close would race a send.
	mu     sync.Mutex
	closed bool
}

// Key returns the subscription key the stream is attached to.
func (s *Stream) Key() models.SubscriptionKey {
	return s.key
}

// deliver enqueues one event, dropping the oldest buffered event when
// the reader has fallen behind. Reports whether a drop happened. Events
// arriving after closeDelivery are discarded.
func (s *Stream) deliver(ev models.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return false
	default:
	}

	// Drop the oldest so the reader resumes at the freshest data.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}

	return true
}

// closeDelivery closes C exactly once and makes later deliveries no-ops.
func (s *Stream) closeDelivery() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}

// Coordinator is the top-level facade of the sync engine. One per
// backend account; a single mutex serializes every read-modify-write on
// the pending queue and its durable mirror.
type Coordinator struct {
	session *Session
	mux     *Multiplexer
	store   QueueStore
	mutator Mutator
	logger  *slog.Logger
	cfg     Config

	mu       sync.Mutex
	queue    []models.MutationRecord
	streams  map[*Stream]struct{}
	hydrated bool
	disposed bool
}

// New wires a coordinator over the backend and queue store. Nothing
// connects until Initialize.
func New(backend Backend, store QueueStore, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.withDefaults()

	c := &Coordinator{
		session: NewSession(backend, cfg.Session, logging.Component(logger, "session")),
		mux:     NewMultiplexer(backend, logging.Component(logger, "mux")),
		store:   store,
		mutator: backend,
		logger:  logging.Component(logger, "coordinator"),
		cfg:     cfg,
	}

	c.streams = make(map[*Stream]struct{})
	c.session.SetDrain(c.QueuedChangesCount, c.SyncQueuedChanges)
	c.session.SetTeardown(c.closeAllStreams)

	return c
}

// Initialize hydrates the pending queue from the store (exactly once per
// process; the store is not read again until the next start) and starts
// the connection session.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()

	if !c.hydrated {
		records, err := c.store.Load()
		if err != nil {
			c.mu.Unlock()
			return err
		}

		c.queue = records
		c.hydrated = true

		if len(records) > 0 {
			c.logger.Info("hydrated pending queue", slog.Int("count", len(records)))
		}
	}

	c.disposed = false
	c.mu.Unlock()

	c.session.Start(ctx)

	return nil
}

// ConnectionState returns the session's current state.
func (c *Coordinator) ConnectionState() models.ConnectionState {
	return c.session.State()
}

// ConnectionStates subscribes to state changes, replaying the latest
// value immediately.
func (c *Coordinator) ConnectionStates() (<-chan models.ConnectionState, func()) {
	return c.session.States()
}

// SubscribeTo opens a change stream for one entity scoped to a group.
// Calls with an equal (groupID, entity) pair share one underlying
// backend channel; every returned stream receives every event pushed on
// it. A stream whose reader falls more than the buffer behind loses the
// oldest events, with a warning.
func (c *Coordinator) SubscribeTo(ctx context.Context, groupID, entity string) (*Stream, error) {
	key := models.SubscriptionKey{Entity: entity, Filter: GroupFilter("group", groupID)}

	ch := make(chan models.ChangeEvent, c.cfg.StreamBuffer)
	st := &Stream{C: ch, ch: ch, key: key, groupID: groupID}

	onData := func(ev models.ChangeEvent) {
		if st.deliver(ev) {
			c.logger.Warn("stream buffer overflow, dropped oldest event",
				slog.String("key", key.String()),
			)
		}
	}

	onErr := func(err error) {
		c.logger.Warn("subscription error",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}

	handle, err := c.mux.Subscribe(ctx, key.Entity, key.Filter, onData, onErr)
	if err != nil {
		return nil, err
	}

	st.handle = handle

	c.mu.Lock()
	c.streams[st] = struct{}{}
	c.mu.Unlock()

	return st, nil
}

// Unsubscribe releases one stream. The underlying channel is torn down
// when this was its last listener.
func (c *Coordinator) Unsubscribe(ctx context.Context, st *Stream) error {
	c.mu.Lock()

	if _, ok := c.streams[st]; !ok {
		c.mu.Unlock()
		return nil
	}

	delete(c.streams, st)
	c.mu.Unlock()

	err := c.mux.Unsubscribe(ctx, st.handle)

	// A dispatch snapshotted before the detach may still be in flight;
	// closeDelivery makes it a no-op instead of a send on a closed channel.
	st.closeDelivery()

	return err
}

// UnsubscribeFromGroup releases every stream whose key references the
// group. Bulk teardown for leaving a group's detail view.
func (c *Coordinator) UnsubscribeFromGroup(ctx context.Context, groupID string) {
	c.mu.Lock()

	var doomed []*Stream

	for st := range c.streams {
		if st.groupID == groupID {
			doomed = append(doomed, st)
			delete(c.streams, st)
		}
	}

	c.mu.Unlock()

	filter := GroupFilter("group", groupID)
	c.mux.CloseMatching(ctx, func(key models.SubscriptionKey) bool {
		return key.Filter == filter
	})

	for _, st := range doomed {
		st.closeDelivery()
	}
}

// QueueChange appends a mutation to the pending queue and mirrors the
// whole queue to durable storage before returning (write-through). The
// idempotency key is fixed here and never regenerated on retry. A
// persistence failure is logged and swallowed: the in-memory queue stays
// authoritative for the running session.
func (c *Coordinator) QueueChange(entity string, op models.Operation, payload map[string]any) models.MutationRecord {
	rec := models.NewMutationRecord(entity, op, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, rec)

	if over := len(c.queue) - c.cfg.QueueLimit; over > 0 {
		c.logger.Warn("pending queue over limit, evicting oldest",
			slog.Int("evicted", over),
			slog.Int("limit", c.cfg.QueueLimit),
		)

		c.queue = slices.Delete(c.queue, 0, over)
	}

	if err := c.store.Save(c.queue); err != nil {
		c.logger.Warn("persisting pending queue failed",
			slog.String("error", err.Error()),
		)
	}

	c.logger.Debug("queued change",
		slog.String("entity", entity),
		slog.String("operation", string(op)),
		slog.String("id", rec.ID),
		slog.Int("pending", len(c.queue)),
	)

	return rec
}

// QueuedChangesCount returns the number of pending mutations. Diagnostic
// counter for UI badges.
func (c *Coordinator) QueuedChangesCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// SyncQueuedChanges applies the pending queue to the backend strictly in
// FIFO order. Each success removes that record from the queue and the
// durable copy. The first failure aborts the pass and is returned as an
// *ApplyError; later records stay queued for the next cycle. That means
// one persistently failing record blocks everything enqueued after it,
// which is deliberate: applying dependent mutations out of order (an
// insert followed by its update) would be worse than applying late.
func (c *Coordinator) SyncQueuedChanges(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil
	}

	snapshot := slices.Clone(c.queue)

	var (
		applied []string
		passErr error
	)

	for _, rec := range snapshot {
		err := retry.Run(ctx, c.cfg.ApplyRetry, func(ctx context.Context) error {
			return c.mutator.Apply(ctx, rec)
		})
		if err != nil {
			passErr = &ApplyError{Record: rec, Err: err}
			break
		}

		applied = append(applied, rec.ID)

		c.logger.Debug("applied queued change",
			slog.String("entity", rec.Entity),
			slog.String("id", rec.ID),
		)
	}

	if len(applied) > 0 {
		c.queue = slices.Delete(c.queue, 0, len(applied))

		if err := c.store.RemoveByIDs(applied); err != nil {
			c.logger.Warn("pruning persisted queue failed",
				slog.String("error", err.Error()),
			)
		}

		c.logger.Info("drained queued changes",
			slog.Int("applied", len(applied)),
			slog.Int("remaining", len(c.queue)),
		)
	}

	return passErr
}

// Dispose stops the session (cancelling its timers), releases every
// subscription, and discards in-memory state. The persisted queue is
// left untouched so pending mutations survive into the next session.
func (c *Coordinator) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	c.disposed = true
	c.mu.Unlock()

	c.session.Stop(ctx)

	c.mu.Lock()
	c.queue = nil
	c.hydrated = false
	c.mu.Unlock()
}

// closeAllStreams is the session's teardown hook: release every channel
// and close every stream.
func (c *Coordinator) closeAllStreams(ctx context.Context) {
	c.mu.Lock()

	doomed := make([]*Stream, 0, len(c.streams))
	for st := range c.streams {
		doomed = append(doomed, st)
	}

	c.streams = make(map[*Stream]struct{})
	c.mu.Unlock()

	c.mux.CloseAll(ctx)

	for _, st := range doomed {
		st.closeDelivery()
	}
}
