package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tallyhq/tally-sync/internal/models"
)

// ChannelService opens and closes backend change-feed channels. The
// realtime client implements it; the multiplexer is its only caller.
type ChannelService interface {
	Subscribe(ctx context.Context, key models.SubscriptionKey, onEvent func(models.ChangeEvent), onError func(error)) error
	Unsubscribe(ctx context.Context, key models.SubscriptionKey) error
}

// Handle identifies one listener attached to a shared channel.
type Handle struct {
	key models.SubscriptionKey
	id  int
}

// Key returns the subscription key the handle is attached to.
func (h *Handle) Key() models.SubscriptionKey {
	return h.key
}

type listenerFuncs struct {
	onData func(models.ChangeEvent)
	onErr  func(error)
}

type subscription struct {
	key       models.SubscriptionKey
	listeners map[int]listenerFuncs

	// opened is closed once the underlying channel-open resolves, with
	// openErr carrying the outcome. Listeners that attach while the open
	// is still in flight wait on it instead of assuming success.
	opened  chan struct{}
	openErr error
}

// Multiplexer maps subscription keys to shared underlying channels.
// The first listener for a key opens the channel; every event on it fans
// out to all current listeners of that key; removing the last listener
// tears the channel down. Channels are reference-counted this way so
// idle server-side subscription slots are never leaked.
//
// Delivery order is preserved within one key (events are dispatched from
// the channel's single delivery goroutine); across distinct keys there
// is no ordering guarantee.
type Multiplexer struct {
	service ChannelService
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[models.SubscriptionKey]*subscription
	nextID int
}

// NewMultiplexer creates a multiplexer over the channel service.
func NewMultiplexer(service ChannelService, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		service: service,
		logger:  logger,
		subs:    make(map[models.SubscriptionKey]*subscription),
	}
}

// GroupFilter builds the equality filter for "all rows of an entity
// scoped to one parent row", e.g. GroupFilter("group", "g-42") ==
// "group_id=g-42".
func GroupFilter(parent, parentID string) string {
	return fmt.Sprintf("%s_id=%s", parent, parentID)
}

// Subscribe attaches a listener to the channel for (entity, filter). An
// existing channel with an equal key is reused; otherwise one is opened.
// The error callback receives *SubscriptionError values scoped to this
// key; an error never detaches the listener or its siblings.
func (m *Multiplexer) Subscribe(ctx context.Context, entity, filter string, onData func(models.ChangeEvent), onErr func(error)) (*Handle, error) {
	key := models.SubscriptionKey{Entity: entity, Filter: filter}

	m.mu.Lock()

	sub, exists := m.subs[key]
	if !exists {
		sub = &subscription{
			key:       key,
			listeners: make(map[int]listenerFuncs),
			opened:    make(chan struct{}),
		}
		m.subs[key] = sub
	}

	id := m.nextID
	m.nextID++
	sub.listeners[id] = listenerFuncs{onData: onData, onErr: onErr}

	m.mu.Unlock()

	if !exists {
		err := m.service.Subscribe(ctx, key,
			func(ev models.ChangeEvent) { m.fanOut(key, ev) },
			func(err error) { m.fanOutErr(key, err) },
		)

		m.mu.Lock()
		sub.openErr = err
		if err != nil && m.subs[key] == sub {
			delete(m.subs, key)
		}
		m.mu.Unlock()

		close(sub.opened)

		if err != nil {
			return nil, fmt.Errorf("opening channel %s: %w", key, err)
		}

		m.logger.Debug("channel opened", slog.String("key", key.String()))

		return &Handle{key: key, id: id}, nil
	}

	// Joined an entry whose open may still be in flight; share its outcome.
	select {
	case <-sub.opened:
	case <-ctx.Done():
		m.mu.Lock()
		delete(sub.listeners, id)
		m.mu.Unlock()

		return nil, ctx.Err()
	}

	if sub.openErr != nil {
		return nil, fmt.Errorf("opening channel %s: %w", key, sub.openErr)
	}

	return &Handle{key: key, id: id}, nil
}

// Unsubscribe detaches one listener. When the key's listener set becomes
// empty the underlying channel is torn down. Unsubscribing an already
// detached handle is a no-op.
func (m *Multiplexer) Unsubscribe(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	m.mu.Lock()

	sub, ok := m.subs[h.key]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	delete(sub.listeners, h.id)
	last := len(sub.listeners) == 0

	if last {
		delete(m.subs, h.key)
	}

	m.mu.Unlock()

	if !last {
		return nil
	}

	if err := m.service.Unsubscribe(ctx, h.key); err != nil {
		return fmt.Errorf("closing channel %s: %w", h.key, err)
	}

	m.logger.Debug("channel closed", slog.String("key", h.key.String()))

	return nil
}

// CloseMatching tears down every channel whose key the predicate
// accepts, detaching all of its listeners. Used for bulk release when a
// group's detail view goes away.
func (m *Multiplexer) CloseMatching(ctx context.Context, match func(models.SubscriptionKey) bool) {
	m.mu.Lock()

	var keys []models.SubscriptionKey

	for key := range m.subs {
		if match(key) {
			keys = append(keys, key)
			delete(m.subs, key)
		}
	}

	m.mu.Unlock()

	for _, key := range keys {
		if err := m.service.Unsubscribe(ctx, key); err != nil {
			m.logger.Warn("closing channel",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// CloseAll tears down every channel.
func (m *Multiplexer) CloseAll(ctx context.Context) {
	m.CloseMatching(ctx, func(models.SubscriptionKey) bool { return true })
}

// ActiveChannels returns the number of open underlying channels.
func (m *Multiplexer) ActiveChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.subs)
}

// fanOut delivers one event to every current listener of key, in
// attachment order. Runs on the channel's delivery goroutine.
func (m *Multiplexer) fanOut(key models.SubscriptionKey, ev models.ChangeEvent) {
	for _, l := range m.snapshot(key) {
		l.onData(ev)
	}
}

func (m *Multiplexer) fanOutErr(key models.SubscriptionKey, err error) {
	subErr := &SubscriptionError{Key: key, Err: err}

	for _, l := range m.snapshot(key) {
		if l.onErr != nil {
			l.onErr(subErr)
		}
	}
}

// snapshot copies the listener set for key in attachment order, so
// dispatch happens without holding the lock.
func (m *Multiplexer) snapshot(key models.SubscriptionKey) []listenerFuncs {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok {
		return nil
	}

	ids := make([]int, 0, len(sub.listeners))
	for id := range sub.listeners {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	out := make([]listenerFuncs, 0, len(ids))
	for _, id := range ids {
		out = append(out, sub.listeners[id])
	}

	return out
}
