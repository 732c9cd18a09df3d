package presence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/messenger/store/document"
)

type flakyStore struct {
	document.Store
	err    error
	merges atomic.Int32
}

func (f *flakyStore) Merge(ctx context.Context, key document.Key, patch document.Fields) (document.Document, error) {
	f.merges.Add(1)
	if f.err != nil {
		return document.Document{}, f.err
	}
	return f.Store.Merge(ctx, key, patch)
}

func newTracker(store document.Store, now time.Time) *Tracker {
	return NewTracker(store, zerolog.Nop(), Options{
		StaleAfter: 2 * time.Minute,
		Now:        func() time.Time { return now },
	})
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &flakyStore{Store: document.NewMemory()}
	tracker := newTracker(store, now)

	first, err := tracker.Acquire(ctx, "alice")
	require.NoError(t, err)
	second, err := tracker.Acquire(ctx, "alice")
	require.NoError(t, err)

	p, err := tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
	assert.Equal(t, int32(1), store.merges.Load())

	require.NoError(t, first.Release(ctx))
	p, err = tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.IsOnline, "another lease still holds the user online")

	require.NoError(t, second.Release(ctx))
	require.NoError(t, second.Release(ctx))
	require.NoError(t, first.Release(ctx))
	p, err = tracker.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, p.IsOnline)
	assert.Equal(t, now.UnixMilli(), p.LastSeen.UnixMilli())
	assert.Equal(t, int32(2), store.merges.Load())
}

func TestObserversSeeOnlineThenOffline(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(document.NewMemory(), time.Now())

	var seen []bool
	stop, err := tracker.Subscribe(ctx, "bob", func(p Presence) {
		seen = append(seen, p.IsOnline)
	})
	require.NoError(t, err)
	defer stop()

	lease, err := tracker.Acquire(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))

	assert.Equal(t, []bool{false, true, false}, seen)
}

func TestSetOnlineIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tracker := newTracker(document.NewMemory(), time.Now())

	require.NoError(t, tracker.SetOnline(ctx, "carol"))
	require.NoError(t, tracker.SetOnline(ctx, "carol"))
	p, err := tracker.Get(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, p.IsOnline)
}

func TestUnknownUserReadsOffline(t *testing.T) {
	p, err := newTracker(document.NewMemory(), time.Now()).Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, p.IsOnline)
	assert.Equal(t, "ghost", p.UserID)
}

func TestWriteFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("unavailable")
	store := &flakyStore{Store: document.NewMemory(), err: boom}
	tracker := newTracker(store, time.Now())

	lease, err := tracker.Acquire(ctx, "dave")
	require.ErrorIs(t, err, boom)
	require.NotNil(t, lease)
	assert.ErrorIs(t, lease.Release(ctx), boom)
}

func TestStaleRecordReadsOffline(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, newTracker(store, start).SetOnline(ctx, "erin"))

	later := newTracker(store, start.Add(5*time.Minute))
	p, err := later.Get(ctx, "erin")
	require.NoError(t, err)
	assert.False(t, p.IsOnline)
	assert.Equal(t, "5 min ago", Describe(p, start.Add(5*time.Minute)))
}

func TestHeartbeatRefreshesRecord(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: document.NewMemory()}
	tracker := NewTracker(store, zerolog.Nop(), Options{Heartbeat: 5 * time.Millisecond})

	lease, err := tracker.Acquire(ctx, "frank")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return store.merges.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, lease.Release(ctx))
	after := store.merges.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, store.merges.Load(), "no heartbeat after release")

	p, err := tracker.Get(ctx, "frank")
	require.NoError(t, err)
	assert.False(t, p.IsOnline)
}

func TestWatchDeliversStoredRecord(t *testing.T) {
	ctx := context.Background()
	store := document.NewMemory()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, newTracker(store, start).SetOnline(ctx, "erin"))

	later := newTracker(store, start.Add(5*time.Minute))
	var raw, effective []bool
	stopRaw, err := later.Watch(ctx, "erin", func(p Presence) { raw = append(raw, p.IsOnline) })
	require.NoError(t, err)
	defer stopRaw()
	stopEffective, err := later.Subscribe(ctx, "erin", func(p Presence) { effective = append(effective, p.IsOnline) })
	require.NoError(t, err)
	defer stopEffective()

	assert.Equal(t, []bool{true}, raw)
	assert.Equal(t, []bool{false}, effective)
}
