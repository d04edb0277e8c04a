package realtime

import (
	"github.com/tallyhq/tally-sync/internal/models"
)

// InitMessage is the first frame sent after dialing.
type InitMessage struct {
	Op     string `json:"op"`
	Key    string `json:"key"`
	Device string `json:"device"`
}

// InitResponse is the server's reply to init.
type InitResponse struct {
	Op  string `json:"op"`
	Res string `json:"res"`
}

// GenericMessage decodes just enough of any frame to route it.
type GenericMessage struct {
	Op    string `json:"op"`
	Ref   string `json:"ref"`
	Topic string `json:"topic"`
	Res   string `json:"res"`
}

// SubscribeMessage opens a change feed for one entity, optionally
// narrowed by an equality filter.
type SubscribeMessage struct {
	Op     string `json:"op"`
	Ref    string `json:"ref"`
	Topic  string `json:"topic"`
	Entity string `json:"entity"`
	Filter string `json:"filter,omitempty"`
}

// UnsubscribeMessage tears down a previously opened change feed.
type UnsubscribeMessage struct {
	Op    string `json:"op"`
	Ref   string `json:"ref"`
	Topic string `json:"topic"`
}

// MutateMessage applies one row mutation.
type MutateMessage struct {
	Op      string         `json:"op"`
	Ref     string         `json:"ref"`
	Entity  string         `json:"entity"`
	Action  string         `json:"action"`
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// AckMessage is the server's reply to a ref-carrying request.
type AckMessage struct {
	Op     string `json:"op"`
	Ref    string `json:"ref"`
	Res    string `json:"res"`
	Reason string `json:"reason,omitempty"`
}

// EventMessage is a server-pushed row change on a subscribed topic.
type EventMessage struct {
	Op        string           `json:"op"`
	Topic     string           `json:"topic"`
	Entity    string           `json:"entity"`
	Type      models.EventType `json:"type"`
	NewRecord map[string]any   `json:"new,omitempty"`
	OldRecord map[string]any   `json:"old,omitempty"`
}

// ChannelErrorMessage is a server-side failure scoped to one topic. It
// does not invalidate the connection or any other topic.
type ChannelErrorMessage struct {
	Op     string `json:"op"`
	Topic  string `json:"topic"`
	Reason string `json:"reason"`
}
