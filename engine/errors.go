package engine

import (
	"fmt"

	"github.com/tallyhq/tally-sync/internal/models"
)

// ApplyError reports that one queued mutation failed to reach the
// backend. The record stays queued and the drain pass that hit it is
// aborted, so everything enqueued after it waits for the next cycle.
type ApplyError struct {
	Record models.MutationRecord
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying %s %s/%s: %v", e.Record.Operation, e.Record.Entity, e.Record.ID, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// SubscriptionError is a backend failure scoped to one subscription key.
// It is delivered to listener error callbacks only and never tears down
// sibling listeners on the same channel.
type SubscriptionError struct {
	Key models.SubscriptionKey
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.Key, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
