package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/chat"
	"roomchat/internal/storage"
)

func TestSweepRemovesOnlyExpiredRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertMessage(ctx, chat.Message{ID: "old", UserID: "u1", Username: "a",
		RoomID: "lobby", Text: "old", CreatedAt: now.Add(-25 * time.Hour)}))
	require.NoError(t, store.InsertMessage(ctx, chat.Message{ID: "new", UserID: "u1", Username: "a",
		RoomID: "lobby", Text: "new", CreatedAt: now.Add(-23 * time.Hour)}))

	var observed storage.SweepStats
	sweeper := New(store, Config{}, WithClock(func() time.Time { return now }),
		WithObserver(func(removed storage.SweepStats) { observed = removed }))

	removed, ran, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(1), removed.Messages)
	assert.Equal(t, removed, observed)

	msgs, err := store.ListMessages(ctx, "lobby", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].ID)

	// second run finds nothing
	removed, ran, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, removed.Empty())
}

func TestPreviewDoesNotDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertMessage(ctx, chat.Message{ID: "old", UserID: "u1", Username: "a",
		RoomID: "lobby", Text: "old", CreatedAt: now.Add(-48 * time.Hour)}))

	sweeper := New(store, Config{Window: time.Hour}, WithClock(func() time.Time { return now }))
	cutoff, stats, err := sweeper.Preview(ctx)
	require.NoError(t, err)
	assert.True(t, now.Add(-time.Hour).Equal(cutoff))
	assert.Equal(t, int64(1), stats.Messages)

	msgs, err := store.ListMessages(ctx, "lobby", 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) OldDataStats(ctx context.Context, cutoff time.Time) (storage.SweepStats, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return storage.SweepStats{}, nil
}

func (b *blockingStore) Sweep(ctx context.Context, cutoff time.Time) (storage.SweepStats, error) {
	return storage.SweepStats{}, nil
}

func TestRunOnceIsNotReentrant(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	sweeper := New(store, Config{})

	done := make(chan bool, 1)
	go func() {
		_, ran, _ := sweeper.RunOnce(context.Background())
		done <- ran
	}()
	<-store.entered

	_, ran, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "overlapping sweep must be skipped")

	close(store.release)
	assert.True(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	sweeper := New(store, Config{InitialDelay: time.Millisecond, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(finished)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:retention_" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}
