package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routerbackup/internal/state"
)

func rec(i int) Record {
	return Record{ID: fmt.Sprintf("r%d", i), Job: "openwrt", Time: time.Unix(int64(i), 0).UTC(), Outcome: OutcomeSuccess, Success: true}
}

func TestLog_AppendNewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	l := New(nil, "", 3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, l.Append(ctx, rec(i)))
	}

	got := l.List()
	require.Len(t, got, 3)
	assert.Equal(t, "r5", got[0].ID)
	assert.Equal(t, "r4", got[1].ID)
	assert.Equal(t, "r3", got[2].ID)
	assert.Equal(t, 3, l.Len())

	latest, ok := l.Latest()
	require.True(t, ok)
	assert.Equal(t, "r5", latest.ID)
}

func TestLog_ListIsCopy(t *testing.T) {
	l := New(nil, "", 0)
	require.NoError(t, l.Append(context.Background(), rec(1)))
	got := l.List()
	got[0].ID = "mutated"
	assert.Equal(t, "r1", l.List()[0].ID)
	assert.Equal(t, DefaultCapacity, l.Capacity())
}

func TestLog_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()

	l := New(store, KeyFor("openwrt"), 10)
	require.NoError(t, l.Append(ctx, rec(1)))
	require.NoError(t, l.Append(ctx, Record{
		ID: "r2", Job: "openwrt", Outcome: OutcomePartial, Success: true,
		Sinks: []SinkResult{{Name: "local", OK: true, Attempts: 1}, {Name: "nas", Error: "sink nas: put: 503", Attempts: 3}},
	}))

	reloaded := New(store, KeyFor("openwrt"), 10)
	require.NoError(t, reloaded.Load(ctx))
	got := reloaded.List()
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].ID)
	assert.Equal(t, OutcomePartial, got[0].Outcome)
	require.Len(t, got[0].Sinks, 2)
	assert.Equal(t, "sink nas: put: 503", got[0].Sinks[1].Error)
}

func TestLog_LoadMissingKey(t *testing.T) {
	l := New(state.NewMemory(), "", 10)
	require.NoError(t, l.Load(context.Background()))
	assert.Empty(t, l.List())
}

func TestLog_LoadTruncatesToCapacity(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	big := New(store, "", 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, big.Append(ctx, rec(i)))
	}

	small := New(store, "", 4)
	require.NoError(t, small.Load(ctx))
	got := small.List()
	require.Len(t, got, 4)
	assert.Equal(t, "r9", got[0].ID)
}

func TestLog_LoadCorrupt(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	require.NoError(t, store.Put(ctx, Key, []byte("{not json")))
	require.Error(t, New(store, "", 10).Load(ctx))
}

type failingStore struct{ *state.Memory }

func (*failingStore) Put(context.Context, string, []byte) error { return errors.New("disk full") }

func TestLog_AppendKeepsMemoryWhenPersistFails(t *testing.T) {
	l := New(&failingStore{state.NewMemory()}, "", 10)
	err := l.Append(context.Background(), rec(1))
	require.Error(t, err)
	assert.Equal(t, 1, l.Len())
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "backup_history", KeyFor(""))
	assert.Equal(t, "backup_history.ikuai", KeyFor("ikuai"))
}

func TestLog_ClearPersists(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	l := New(store, KeyFor("ikuai"), 10)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(ctx, rec(i)))
	}

	require.NoError(t, l.Clear(ctx))
	assert.Equal(t, 0, l.Len())
	_, ok := l.Latest()
	assert.False(t, ok)

	reloaded := New(store, KeyFor("ikuai"), 10)
	require.NoError(t, reloaded.Load(ctx))
	assert.Empty(t, reloaded.List())

	require.NoError(t, l.Append(ctx, rec(7)))
	assert.Equal(t, "r7", l.List()[0].ID)
}

func TestRestoreLog_Bounded(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	restores := New(store, RestoreKeyFor("ikuai"), DefaultRestoreCapacity)
	backups := New(store, KeyFor("ikuai"), 0)
	for i := 0; i < 60; i++ {
		require.NoError(t, restores.Append(ctx, rec(i)))
	}
	require.NoError(t, backups.Append(ctx, rec(100)))

	assert.Equal(t, 50, restores.Len())
	assert.Equal(t, "r59", restores.List()[0].ID)
	assert.Equal(t, 1, backups.Len(), "restore and backup logs are separate")
	assert.Equal(t, "restore_history", RestoreKeyFor(""))
	assert.Equal(t, "restore_history.ikuai", RestoreKeyFor("ikuai"))
}
