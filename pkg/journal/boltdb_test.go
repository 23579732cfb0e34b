package journal

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func tick(i int) *types.TickReport {
	r := &types.TickReport{
		ID:       fmt.Sprintf("tick-%02d", i),
		Phase:    "accrual",
		Epoch:    10,
		Slot:     uint64(1000 + i),
		Started:  time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		Duration: time.Duration(i) * time.Second,
	}
	r.Add("crank", types.Report{Processed: 2, OpsOK: 1, OpsErr: 1})
	return r
}

func TestRecordAndGet(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Record(tick(1)))

	got, err := store.Get("tick-01")
	require.NoError(t, err)
	assert.Equal(t, tick(1), got)
	assert.Equal(t, uint32(2), got.Total.OpsTotal())

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRejectsEmptyID(t *testing.T) {
	store := newStore(t)
	assert.Error(t, store.Record(&types.TickReport{}))
}

func TestListNewestFirst(t *testing.T) {
	store := newStore(t)
	for _, i := range []int{3, 1, 2} {
		require.NoError(t, store.Record(tick(i)))
	}

	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"tick-03", "tick-02", "tick-01"}, []string{all[0].ID, all[1].ID, all[2].ID})

	recent, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "tick-03", recent[0].ID)
}

func TestRecordReplacesSameID(t *testing.T) {
	store := newStore(t)
	first := tick(1)
	require.NoError(t, store.Record(first))

	updated := tick(1)
	updated.Started = first.Started.Add(time.Hour)
	updated.Error = "failed to read snapshot"
	require.NoError(t, store.Record(updated))

	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "failed to read snapshot", all[0].Error)
}

func TestPrune(t *testing.T) {
	store := newStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(tick(i)))
	}

	removed, err := store.Prune(2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	left, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "tick-04", left[0].ID)
	assert.Equal(t, "tick-03", left[1].ID)

	_, err = store.Get("tick-00")
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err = store.Prune(10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Record(tick(7)))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get("tick-07")
	require.NoError(t, err)
	assert.Equal(t, uint64(1007), got.Slot)
}
