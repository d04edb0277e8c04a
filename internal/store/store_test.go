package store

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallyhq/tally-sync/internal/models"
)

func newTestStore(t *testing.T) (*QueueStore, *BoltSlot) {
	t.Helper()

	slot, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { slot.Close() })

	return NewQueueStore(slot, slog.Default()), slot
}

func record(id string) models.MutationRecord {
	return models.MutationRecord{
		ID:        id,
		Entity:    "expenses",
		Operation: models.OpInsert,
		Payload: map[string]any{
			"id":     id,
			"amount": 9.99,
		},
		EnqueuedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestQueueStore_SaveLoadRoundTrip(t *testing.T) {
	q, _ := newTestStore(t)

	records := []models.MutationRecord{record("e1"), record("e2")}
	require.NoError(t, q.Save(records))

	got, err := q.Load()
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestQueueStore_LoadAbsentSlot(t *testing.T) {
	q, _ := newTestStore(t)

	got, err := q.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueueStore_SaveOverwrites(t *testing.T) {
	q, _ := newTestStore(t)

	require.NoError(t, q.Save([]models.MutationRecord{record("e1"), record("e2"), record("e3")}))
	require.NoError(t, q.Save([]models.MutationRecord{record("e9")}))

	got, err := q.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e9", got[0].ID)
}

func TestQueueStore_SaveNilPersistsEmptyArray(t *testing.T) {
	q, slot := newTestStore(t)

	require.NoError(t, q.Save(nil))

	value, ok, err := slot.Read("pending_changes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[]`, value)
}

func TestQueueStore_LoadSkipsCorruptEntry(t *testing.T) {
	q, slot := newTestStore(t)

	// One corrupt entry (a bare number cannot decode into a record)
	// among three valid ones.
	good := []models.MutationRecord{record("e1"), record("e2"), record("e3")}
	require.NoError(t, q.Save(good))

	value, ok, err := slot.Read("pending_changes")
	require.NoError(t, err)
	require.True(t, ok)

	corrupted := value[:1] + `12345,` + value[1:]
	require.NoError(t, slot.Write("pending_changes", corrupted))

	got, err := q.Load()
	require.NoError(t, err)
	assert.Equal(t, good, got)
}

func TestQueueStore_LoadSkipsMalformedEntry(t *testing.T) {
	q, slot := newTestStore(t)

	// Decodes fine but is missing required fields.
	require.NoError(t, slot.Write("pending_changes",
		`[{"id":"","entity":"","operation":"NOPE"},{"id":"e1","entity":"expenses","operation":"INSERT","payload":{"id":"e1"},"timestamp":"2025-06-01T12:00:00Z"}]`,
	))

	got, err := q.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
}

func TestQueueStore_CorruptSlotYieldsEmpty(t *testing.T) {
	q, slot := newTestStore(t)

	require.NoError(t, slot.Write("pending_changes", `{not json`))

	got, err := q.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueueStore_Clear(t *testing.T) {
	q, slot := newTestStore(t)

	require.NoError(t, q.Save([]models.MutationRecord{record("e1")}))
	require.NoError(t, q.Clear())

	_, ok, err := slot.Read("pending_changes")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueueStore_RemoveByIDs(t *testing.T) {
	q, _ := newTestStore(t)

	require.NoError(t, q.Save([]models.MutationRecord{record("e1"), record("e2"), record("e3")}))
	require.NoError(t, q.RemoveByIDs([]string{"e1", "e3"}))

	got, err := q.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ID)
}

func TestQueueStore_RemoveByIDsEmpty(t *testing.T) {
	q, _ := newTestStore(t)

	require.NoError(t, q.Save([]models.MutationRecord{record("e1")}))
	require.NoError(t, q.RemoveByIDs(nil))

	got, err := q.Load()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBoltSlot_ReadWriteDelete(t *testing.T) {
	slot, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer slot.Close()

	_, ok, err := slot.Read("k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, slot.Write("k", "v"))

	value, ok, err := slot.Read("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)

	require.NoError(t, slot.Delete("k"))

	_, ok, err = slot.Read("k")
	require.NoError(t, err)
	assert.False(t, ok)
}
