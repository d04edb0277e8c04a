// Package models holds the domain types shared across the sync engine:
// connection lifecycle states, queued mutations, and pushed change events.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the phase of the sync session's connectivity lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Operation is the kind of row mutation a MutationRecord carries.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationRecord is one pending local write awaiting backend application.
//
// ID is chosen exactly once at enqueue time and never regenerated on
// retry. Reusing the payload's own "id" when present is what makes a
// re-applied record idempotent on the server instead of a duplicate.
type MutationRecord struct {
	ID         string         `json:"id"`
	Entity     string         `json:"entity"`
	Operation  Operation      `json:"operation"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"timestamp"`
}

// NewMutationRecord builds a record for the given mutation, deriving the
// idempotency key from payload["id"] when it carries a non-empty string.
func NewMutationRecord(entity string, op Operation, payload map[string]any) MutationRecord {
	id := ""
	if v, ok := payload["id"].(string); ok {
		id = v
	}
	if id == "" {
		id = uuid.NewString()
	}

	return MutationRecord{
		ID:         id,
		Entity:     entity,
		Operation:  op,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// EventType mirrors the backend's change feed event kinds.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one backend-pushed row change delivered to subscribers.
type ChangeEvent struct {
	Entity    string         `json:"entity"`
	Type      EventType      `json:"type"`
	NewRecord map[string]any `json:"new_record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// SubscriptionKey is the unit of channel sharing: two subscriptions with
// an equal key resolve to one underlying backend channel. Filter is an
// optional equality expression such as "group_id=g-42"; empty means all
// rows of the entity.
type SubscriptionKey struct {
	Entity string
	Filter string
}

func (k SubscriptionKey) String() string {
	if k.Filter == "" {
		return k.Entity
	}
	return k.Entity + ":" + k.Filter
}
