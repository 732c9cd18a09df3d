package messenger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/messenger/store/document"
	"github.com/nexus-im/messenger/store/social"
)

// gate blocks the first armed merge on key until release is closed.
type gate struct {
	document.Store
	key     document.Key
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gate) Merge(ctx context.Context, key document.Key, patch document.Fields) (document.Document, error) {
	if key == g.key && g.armed.Load() {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Store.Merge(ctx, key, patch)
}

// failMerge rejects merges to key while armed.
type failMerge struct {
	document.Store
	key   document.Key
	armed atomic.Bool
	err   error
}

func (f *failMerge) Merge(ctx context.Context, key document.Key, patch document.Fields) (document.Document, error) {
	if key == f.key && f.armed.Load() {
		return document.Document{}, f.err
	}
	return f.Store.Merge(ctx, key, patch)
}

func userKey(id string) document.Key {
	return document.K(social.Collection, id)
}

func TestFollowScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.conversation("alice", "bob")
	s, rec := h.open("alice")

	rel, ok := s.Relation("bob")
	require.True(t, ok)
	assert.False(t, rel.Following)

	require.NoError(t, s.Follow(ctx, "bob"))
	rel, _ = s.Relation("bob")
	assert.Equal(t, PhaseStable, rel.Phase)
	assert.True(t, rel.Following)
	assert.Equal(t, 1, rel.Counts.Followers)
	assert.Equal(t, 1, s.Self().Following)

	require.NoError(t, s.Follow(ctx, "bob"))
	assert.Equal(t, []string{
		"Followed Bob successfully!",
		"You are already following Bob",
	}, rec.texts())

	bob, err := h.svc.Graph.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, bob.Followers)
}

func TestToggleAndUnfollowNotices(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.conversation("alice", "bob")
	s, rec := h.open("alice")

	require.NoError(t, s.Unfollow(ctx, "bob"))
	require.NoError(t, s.ToggleFollow(ctx, "bob"))
	require.NoError(t, s.ToggleFollow(ctx, "bob"))

	rel, _ := s.Relation("bob")
	assert.False(t, rel.Following)
	assert.Zero(t, rel.Counts.Followers)
	assert.Zero(t, s.Self().Following)
	assert.Equal(t, []string{
		"You are not following Bob",
		"Followed Bob successfully!",
		"Unfollowed Bob successfully!",
	}, rec.texts())

	assert.ErrorIs(t, s.Follow(ctx, "alice"), social.ErrSelfFollow)
}

func TestPendingPhaseGuardsDuplicateClicks(t *testing.T) {
	ctx := context.Background()
	var g *gate
	h := newHarness(t, func(s document.Store) document.Store {
		g = &gate{Store: s, key: userKey("alice"), entered: make(chan struct{}), release: make(chan struct{})}
		return g
	})
	h.conversation("alice", "bob")
	s, rec := h.open("alice")
	g.armed.Store(true)

	done := make(chan error, 1)
	go func() {
		done <- s.Follow(ctx, "bob")
	}()
	<-g.entered

	rel, _ := s.Relation("bob")
	assert.Equal(t, PhasePending, rel.Phase)
	assert.True(t, rel.Following)
	assert.Equal(t, 1, rel.Counts.Followers)
	assert.Equal(t, 1, s.Self().Following)

	require.NoError(t, s.ToggleFollow(ctx, "bob"))
	assert.Equal(t, []string{"You are already following Bob"}, rec.texts())

	close(g.release)
	require.NoError(t, <-done)

	rel, _ = s.Relation("bob")
	assert.Equal(t, PhaseStable, rel.Phase)
	assert.True(t, rel.Following)
	assert.Equal(t, 1, rel.Counts.Followers)
	assert.Equal(t, 1, s.Self().Following)
	assert.Equal(t, "Followed Bob successfully!", rec.texts()[1])
}

func TestFailedFollowRollsBackExactly(t *testing.T) {
	for _, failing := range []string{"alice", "bob"} {
		t.Run("fail on "+failing, func(t *testing.T) {
			ctx := context.Background()
			var f *failMerge
			h := newHarness(t, func(s document.Store) document.Store {
				f = &failMerge{Store: s, key: userKey(failing), err: errors.New("unavailable")}
				return f
			})
			h.profile("carol", "Carol")
			h.conversation("alice", "bob")
			require.NoError(t, h.svc.Graph.Follow(ctx, "carol", "bob"))
			require.NoError(t, h.svc.Graph.Follow(ctx, "alice", "carol"))

			s, rec := h.open("alice")
			before, _ := s.Relation("bob")
			selfBefore := s.Self()
			require.Equal(t, 1, before.Counts.Followers)
			require.Equal(t, 1, selfBefore.Following)

			f.armed.Store(true)
			require.Error(t, s.Follow(ctx, "bob"))

			after, _ := s.Relation("bob")
			assert.Equal(t, before, after)
			assert.Equal(t, selfBefore, s.Self())
			assert.Equal(t, []string{"Failed to follow Bob"}, rec.texts())

			following, err := h.svc.Graph.Status(ctx, "alice", "bob")
			require.NoError(t, err)
			assert.False(t, following)
		})
	}
}

func TestFollowPermissionDenied(t *testing.T) {
	ctx := context.Background()
	var f *failMerge
	h := newHarness(t, func(s document.Store) document.Store {
		f = &failMerge{Store: s, key: userKey("alice"), err: document.ErrPermissionDenied}
		return f
	})
	h.conversation("alice", "bob")
	s, rec := h.open("alice")

	f.armed.Store(true)
	require.ErrorIs(t, s.Follow(ctx, "bob"), document.ErrPermissionDenied)
	assert.Equal(t, []string{PermissionDeniedText}, rec.texts())
}

func TestFollowUserOutsideConversationList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.profile("carol", "Carol")
	s, rec := h.open("alice")

	require.NoError(t, s.Follow(ctx, "carol"))
	rel, ok := s.Relation("carol")
	require.True(t, ok)
	assert.True(t, rel.Following)
	assert.Equal(t, []string{"Followed Carol successfully!"}, rec.texts())
}

func TestRelationFollowsRemoteChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.conversation("alice", "bob")
	s, _ := h.open("alice")

	require.NoError(t, h.svc.Graph.Follow(ctx, "carol", "bob"))
	rel, _ := s.Relation("bob")
	assert.Equal(t, 1, rel.Counts.Followers)
	assert.False(t, rel.Following)

	require.NoError(t, h.svc.Graph.Follow(ctx, "bob", "alice"))
	assert.Equal(t, 1, s.Self().Followers)
}
