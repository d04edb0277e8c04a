// Package realtime implements the websocket client for the sync backend.
// The backend is modeled as the two surfaces it exposes: change-feed
// subscriptions by entity plus optional equality filter, and row-level
// mutations addressable by id.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tallyhq/tally-sync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second
	responseTimeout  = 30 * time.Second

	readLimit = 1024 * 1024
)

var (
	errResponseTimeout = fmt.Errorf("timed out waiting for server response")

	// ErrNoConnection is returned for requests issued while the websocket
	// is down. The wording matters: the default retry classifier treats
	// "connection" failures as transient.
	ErrNoConnection = errors.New("no active connection to sync backend")
)

// wsConn is the subset of *websocket.Conn the client uses. Extracted for
// testability.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// inboundMsg wraps a message read from the websocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// request is an outbound ref-carrying frame submitted to the event loop.
type request struct {
	frame  any
	ref    string
	result chan error
}

// topicHandler receives everything the server pushes for one topic.
type topicHandler struct {
	key     models.SubscriptionKey
	filter  string
	onEvent func(models.ChangeEvent)
	onError func(error)
}

// Client manages one websocket connection to the sync backend.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop (Run) processes inbound messages, submitted requests
// (opCh), and heartbeat ticks. All writes to the connection happen from
// the event loop or from Connect before the loop starts, so no write
// mutex is needed.
type Client struct {
	conn   wsConn
	logger *slog.Logger

	host   string
	apiKey string
	device string

	// opCh receives requests from the multiplexer and the coordinator.
	// The event loop processes them one at a time.
	opCh chan request

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// handlers routes pushed events by topic. A topic registered while
	// disconnected is subscribed on the wire during the next Connect.
	handlers   map[string]topicHandler
	handlersMu sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected   bool
	connectedMu sync.RWMutex

	// connCancel stops the reader goroutine of the previous connection
	// before a new one is dialed.
	connCancel context.CancelFunc
}

// Config holds the parameters needed to reach the backend.
type Config struct {
	Host   string
	APIKey string
	Device string
}

// NewClient creates a client. No connection is made until Connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		logger:   logger,
		host:     cfg.Host,
		apiKey:   cfg.APIKey,
		device:   cfg.Device,
		opCh:     make(chan request, 16),
		handlers: make(map[string]topicHandler),
	}
}

// Connect dials the websocket, authenticates, and re-subscribes every
// registered topic. Reads happen directly on the connection since the
// reader goroutine is not running yet.
func (c *Client) Connect(ctx context.Context) error {
	if c.connCancel != nil {
		c.connCancel()
	}

	url := "wss://" + c.host + "/sync"
	c.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)
	c.conn = conn
	c.touchLastMessage()

	if err := c.handshake(ctx); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return err
	}

	if err := c.resubscribe(ctx); err != nil {
		conn.Close(websocket.StatusInternalError, "resubscribe failed")
		return err
	}

	return nil
}

// handshake sends init and reads the auth confirmation.
func (c *Client) handshake(ctx context.Context) error {
	init := InitMessage{Op: "init", Key: c.apiKey, Device: c.device}
	if err := c.writeJSON(ctx, init); err != nil {
		return fmt.Errorf("sending init: %w", err)
	}

	var resp InitResponse
	if err := c.readJSON(ctx, &resp); err != nil {
		return fmt.Errorf("reading init response: %w", err)
	}

	if resp.Res != "ok" {
		return fmt.Errorf("auth failed: %s", resp.Res)
	}

	c.logger.Info("websocket authenticated", slog.String("device", c.device))

	return nil
}

// resubscribe replays a subscribe for every registered topic. On a fresh
// client this is a no-op; after a reconnect it restores the server-side
// channels the previous connection held.
func (c *Client) resubscribe(ctx context.Context) error {
	c.handlersMu.Lock()
	topics := make([]topicHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		topics = append(topics, h)
	}
	c.handlersMu.Unlock()

	for _, h := range topics {
		msg := SubscribeMessage{
			Op:     "subscribe",
			Ref:    uuid.NewString(),
			Topic:  h.key.String(),
			Entity: h.key.Entity,
			Filter: h.key.Filter,
		}

		if err := c.writeJSON(ctx, msg); err != nil {
			return fmt.Errorf("re-subscribing %s: %w", h.key, err)
		}

		if err := c.readAckDirect(ctx, msg.Ref); err != nil {
			return fmt.Errorf("re-subscribing %s: %w", h.key, err)
		}
	}

	if len(topics) > 0 {
		c.logger.Info("restored subscriptions", slog.Int("count", len(topics)))
	}

	return nil
}

// Run is the event loop for one connection. It owns all writes, routes
// pushed events to topic handlers, and enforces the heartbeat. It blocks
// until the connection dies or ctx is cancelled; the returned error is
// what the session's reconnect logic acts on.
func (c *Client) Run(ctx context.Context) error {
	connCtx, connCancel := context.WithCancel(ctx)
	c.connCancel = connCancel

	defer connCancel()

	c.startReader(connCtx)

	c.setConnected(true)

	// On exit: flip connected first, then fail whatever is still queued so
	// no submitter waits on a loop that is gone.
	defer c.failPending()
	defer c.setConnected(false)

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			c.touchLastMessage()
			c.route(msg.typ, msg.data)

		case req := <-c.opCh:
			if err := c.handleRequest(ctx, req); err != nil {
				return err
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("connection timed out, closing")
				c.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleRequest writes one request frame and waits for its ack. The
// request always receives a result; a connection-level failure is also
// returned so the loop exits and the session reconnects.
func (c *Client) handleRequest(ctx context.Context, req request) error {
	if err := c.writeJSON(ctx, req.frame); err != nil {
		err = fmt.Errorf("sending request: %w", err)
		req.result <- err

		return err
	}

	err := c.readAck(ctx, req.ref)
	req.result <- err

	// Ack errors scoped to the request (server rejected it) leave the
	// connection usable. Timeouts and read failures do not.
	if err != nil && (errors.Is(err, errResponseTimeout) || isReadFailure(err)) {
		return err
	}

	return nil
}

// readAck consumes inboundCh until the ack matching ref arrives. Pushed
// events and pongs that interleave are routed as usual. Any frame from
// the server resets the timeout, which exists to detect a dead
// connection rather than a slow response.
func (c *Client) readAck(ctx context.Context, ref string) error {
	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading response: %w", msg.err)
			}

			c.touchLastMessage()

			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}
			timeout.Reset(responseTimeout)

			done, err := c.routeOrMatch(msg.typ, msg.data, ref)
			if done {
				return err
			}

		case <-timeout.C:
			return errResponseTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readAckDirect reads the connection directly until the ack matching ref
// arrives. Used during Connect, before the reader goroutine runs.
func (c *Client) readAckDirect(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		c.touchLastMessage()

		done, err := c.routeOrMatch(typ, data, ref)
		if done {
			return err
		}
	}
}

// routeOrMatch routes a frame and reports whether it was the ack for ref.
func (c *Client) routeOrMatch(typ websocket.MessageType, data []byte, ref string) (bool, error) {
	if typ == websocket.MessageBinary {
		c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
		return false, nil
	}

	op := gjson.GetBytes(data, "op").Str
	if op == "ok" || op == "error" {
		var ack AckMessage
		if err := json.Unmarshal(data, &ack); err != nil {
			return true, fmt.Errorf("decoding response: %w", err)
		}

		if ack.Ref != ref {
			c.logger.Debug("ack for unknown ref", slog.String("ref", ack.Ref))
			return false, nil
		}

		if ack.Op == "error" || (ack.Res != "" && ack.Res != "ok") {
			reason := ack.Reason
			if reason == "" {
				reason = ack.Res
			}

			return true, fmt.Errorf("server rejected request: %s", reason)
		}

		return true, nil
	}

	c.route(typ, data)

	return false, nil
}

// route dispatches one server-initiated frame.
func (c *Client) route(typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageBinary {
		c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
		return
	}

	switch gjson.GetBytes(data, "op").Str {
	case "pong":

	case "event":
		var ev EventMessage
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("failed to decode event", slog.String("error", err.Error()))
			return
		}

		c.dispatchEvent(ev)

	case "channel_error":
		var ce ChannelErrorMessage
		if err := json.Unmarshal(data, &ce); err != nil {
			c.logger.Warn("failed to decode channel error", slog.String("error", err.Error()))
			return
		}

		c.dispatchError(ce)

	default:
		c.logger.Debug("unexpected message", slog.String("op", gjson.GetBytes(data, "op").Str))
	}
}

// dispatchEvent delivers a pushed change to its topic handler. Delivery
// happens on the event loop goroutine, which is what preserves backend
// delivery order within a topic.
func (c *Client) dispatchEvent(ev EventMessage) {
	c.handlersMu.Lock()
	h, ok := c.handlers[ev.Topic]
	c.handlersMu.Unlock()

	if !ok {
		c.logger.Debug("event for unsubscribed topic", slog.String("topic", ev.Topic))
		return
	}

	h.onEvent(models.ChangeEvent{
		Entity:    ev.Entity,
		Type:      ev.Type,
		NewRecord: ev.NewRecord,
		OldRecord: ev.OldRecord,
	})
}

func (c *Client) dispatchError(ce ChannelErrorMessage) {
	c.handlersMu.Lock()
	h, ok := c.handlers[ce.Topic]
	c.handlersMu.Unlock()

	if !ok {
		return
	}

	h.onError(fmt.Errorf("channel %s: %s", ce.Topic, ce.Reason))
}

// Subscribe registers a change-feed handler for key. While connected the
// subscription goes on the wire immediately; while disconnected it is
// recorded and replayed by the next Connect, so an offline subscribe is
// not an error.
func (c *Client) Subscribe(ctx context.Context, key models.SubscriptionKey, onEvent func(models.ChangeEvent), onError func(error)) error {
	topic := key.String()

	c.handlersMu.Lock()
	if _, exists := c.handlers[topic]; exists {
		c.handlersMu.Unlock()
		return fmt.Errorf("already subscribed to %s", topic)
	}

	c.handlers[topic] = topicHandler{key: key, onEvent: onEvent, onError: onError}
	c.handlersMu.Unlock()

	if !c.Connected() {
		return nil
	}

	msg := SubscribeMessage{
		Op:     "subscribe",
		Ref:    uuid.NewString(),
		Topic:  topic,
		Entity: key.Entity,
		Filter: key.Filter,
	}

	if err := c.submit(ctx, msg, msg.Ref); err != nil {
		c.handlersMu.Lock()
		delete(c.handlers, topic)
		c.handlersMu.Unlock()

		return fmt.Errorf("subscribing %s: %w", topic, err)
	}

	return nil
}

// Unsubscribe removes the handler for key and tears the channel down on
// the wire when connected. Releasing server-side subscription slots is
// the point: an idle channel still costs the backend a slot.
func (c *Client) Unsubscribe(ctx context.Context, key models.SubscriptionKey) error {
	topic := key.String()

	c.handlersMu.Lock()
	_, exists := c.handlers[topic]
	delete(c.handlers, topic)
	c.handlersMu.Unlock()

	if !exists || !c.Connected() {
		return nil
	}

	msg := UnsubscribeMessage{Op: "unsubscribe", Ref: uuid.NewString(), Topic: topic}
	if err := c.submit(ctx, msg, msg.Ref); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", topic, err)
	}

	return nil
}

// Apply sends one row mutation and waits for the server's ack.
func (c *Client) Apply(ctx context.Context, rec models.MutationRecord) error {
	if !c.Connected() {
		return ErrNoConnection
	}

	msg := MutateMessage{
		Op:      "mutate",
		Ref:     uuid.NewString(),
		Entity:  rec.Entity,
		Action:  string(rec.Operation),
		ID:      rec.ID,
		Payload: rec.Payload,
	}

	if err := c.submit(ctx, msg, msg.Ref); err != nil {
		return fmt.Errorf("applying %s %s/%s: %w", rec.Operation, rec.Entity, rec.ID, err)
	}

	return nil
}

// submit hands a request to the event loop and waits for its result. The
// submission itself is bounded so a caller never hangs on a loop that
// died between the Connected check and the send.
func (c *Client) submit(ctx context.Context, frame any, ref string) error {
	req := request{frame: frame, ref: ref, result: make(chan error, 1)}

	submitTimeout := time.NewTimer(responseTimeout)
	defer submitTimeout.Stop()

	select {
	case c.opCh <- req:
	case <-submitTimeout.C:
		return ErrNoConnection
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failPending fails every request still queued when the event loop
// exits. A request that slips into opCh afterwards is picked up by the
// next connection's loop instead.
func (c *Client) failPending() {
	for {
		select {
		case req := <-c.opCh:
			req.result <- ErrNoConnection
		default:
			return
		}
	}
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. The goroutine captures ch by value so that if
// startReader is called again for a new connection, the old goroutine
// cannot send stale messages into the new channel.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	c.inboundCh = ch

	conn := c.conn
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

// Connected reports whether the event loop is live on an authenticated
// connection.
func (c *Client) Connected() bool {
	c.connectedMu.RLock()
	v := c.connected
	c.connectedMu.RUnlock()

	return v
}

// Close cleanly shuts down the websocket connection.
func (c *Client) Close() error {
	if c.connCancel != nil {
		c.connCancel()
	}

	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Only called from
// the event loop or during Connect (before Run starts).
func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called
// during Connect (before Run starts).
func (c *Client) readJSON(ctx context.Context, v any) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	c.touchLastMessage()

	return json.Unmarshal(data, v)
}

// isReadFailure reports whether err came from the inbound side of the
// connection, which means the socket is gone.
func isReadFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "reading response")
}
