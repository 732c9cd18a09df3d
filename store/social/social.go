// Package social stores the follower/following graph on user documents.
//
// An edge a -> b is two set mutations: b joins a's following and a joins
// b's followers. Both use idempotent array operators so repeated or
// reordered requests converge. The two writes are not atomic; Reconcile
// repairs a user whose sides disagree.
package social

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/store/document"
)

// Collection holds the user documents carrying both sets.
const Collection = "users"

var ErrSelfFollow = errors.New("users cannot follow themselves")

// Counts are the derived sizes of a user's two sets.
type Counts struct {
	Followers int `json:"followers"`
	Following int `json:"following"`
}

// Snapshot is one user's side of the graph.
type Snapshot struct {
	UserID    string
	Followers []string
	Following []string
}

// Counts returns the set sizes.
func (s Snapshot) Counts() Counts {
	return Counts{Followers: len(s.Followers), Following: len(s.Following)}
}

// FollowedBy reports whether userID is among the followers.
func (s Snapshot) FollowedBy(userID string) bool {
	return slices.Contains(s.Followers, userID)
}

// Follows reports whether the user follows userID.
func (s Snapshot) Follows(userID string) bool {
	return slices.Contains(s.Following, userID)
}

func key(userID string) document.Key {
	return document.K(Collection, userID)
}

func fromDocument(userID string, doc document.Document) Snapshot {
	return Snapshot{
		UserID:    userID,
		Followers: doc.Fields.Strings("followers"),
		Following: doc.Fields.Strings("following"),
	}
}

// Graph reads and mutates follow edges.
type Graph struct {
	store   document.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewGraph creates a Graph on top of store.
func NewGraph(store document.Store, log zerolog.Logger, m *metrics.Metrics) *Graph {
	return &Graph{
		store:   store,
		log:     log.With().Str("component", "social").Logger(),
		metrics: m,
	}
}

// Get returns the graph side of userID. Unknown users have empty sets.
func (g *Graph) Get(ctx context.Context, userID string) (Snapshot, error) {
	doc, err := g.store.Get(ctx, key(userID))
	if err != nil && !errors.Is(err, document.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return fromDocument(userID, doc), nil
}

// Status reports whether followerID follows followeeID.
func (g *Graph) Status(ctx context.Context, followerID, followeeID string) (bool, error) {
	s, err := g.Get(ctx, followerID)
	if err != nil {
		return false, err
	}
	return s.Follows(followeeID), nil
}

// Counts returns the follower and following counts of userID.
func (g *Graph) Counts(ctx context.Context, userID string) (Counts, error) {
	s, err := g.Get(ctx, userID)
	if err != nil {
		return Counts{}, err
	}
	return s.Counts(), nil
}

// Follow creates the edge followerID -> followeeID. Following someone
// already followed succeeds without changes.
func (g *Graph) Follow(ctx context.Context, followerID, followeeID string) error {
	if followerID == followeeID {
		return ErrSelfFollow
	}
	return g.mutate(ctx, "follow", followerID, followeeID, document.ArrayUnion, document.ArrayRemove)
}

// Unfollow removes the edge followerID -> followeeID. Removing a missing
// edge succeeds without changes.
func (g *Graph) Unfollow(ctx context.Context, followerID, followeeID string) error {
	if followerID == followeeID {
		return ErrSelfFollow
	}
	return g.mutate(ctx, "unfollow", followerID, followeeID, document.ArrayRemove, document.ArrayUnion)
}

// mutate applies op to both sides. When the followee side fails, the
// follower side is reverted with undo unless it was already in the target
// state before the call.
func (g *Graph) mutate(ctx context.Context, action, followerID, followeeID string, op, undo func(...any) document.FieldOp) error {
	before, err := g.Status(ctx, followerID, followeeID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, followeeID, err)
	}

	if _, err := g.store.Merge(ctx, key(followerID), document.Fields{"following": op(followeeID)}); err != nil {
		return fmt.Errorf("%s %s: %w", action, followeeID, err)
	}
	if _, err := g.store.Merge(ctx, key(followeeID), document.Fields{"followers": op(followerID)}); err != nil {
		want := action == "follow"
		if before != want {
			cctx := context.WithoutCancel(ctx)
			if _, cerr := g.store.Merge(cctx, key(followerID), document.Fields{"following": undo(followeeID)}); cerr != nil {
				g.log.Error().Err(cerr).
					Str("follower_id", followerID).
					Str("followee_id", followeeID).
					Str("action", action).
					Msg("compensation failed, edge left one-sided")
			}
		}
		return fmt.Errorf("%s %s: %w", action, followeeID, err)
	}

	g.log.Debug().Str("follower_id", followerID).Str("followee_id", followeeID).Str("action", action).Msg("edge updated")
	return nil
}

// Subscribe calls fn with the graph side of userID and again on every change.
func (g *Graph) Subscribe(ctx context.Context, userID string, fn func(Snapshot)) (document.Unsubscribe, error) {
	unsubscribe, err := g.store.Watch(ctx, key(userID), func(doc document.Document) {
		fn(fromDocument(userID, doc))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe user %s: %w", userID, err)
	}
	return unsubscribe, nil
}

// SubscribeCounts calls fn with the counts of userID on every change.
func (g *Graph) SubscribeCounts(ctx context.Context, userID string, fn func(Counts)) (document.Unsubscribe, error) {
	return g.Subscribe(ctx, userID, func(s Snapshot) {
		fn(s.Counts())
	})
}

// SubscribeStatus calls fn with whether followerID follows followeeID. It
// watches the followee's followers, which is written last, so a delivery
// of true means both sides of the edge are stored.
func (g *Graph) SubscribeStatus(ctx context.Context, followerID, followeeID string, fn func(bool)) (document.Unsubscribe, error) {
	return g.Subscribe(ctx, followeeID, func(s Snapshot) {
		fn(s.FollowedBy(followerID))
	})
}

// Reconcile repairs one-sided edges around userID and returns how many
// were fixed. The user's following set is authoritative for edges it
// created; followers without a matching following entry are dropped.
func (g *Graph) Reconcile(ctx context.Context, userID string) (int, error) {
	self, err := g.Get(ctx, userID)
	if err != nil {
		return 0, err
	}

	repaired := 0
	if self.Follows(userID) || self.FollowedBy(userID) {
		if _, err := g.store.Merge(ctx, key(userID), document.Fields{
			"following": document.ArrayRemove(userID),
			"followers": document.ArrayRemove(userID),
		}); err != nil {
			return repaired, fmt.Errorf("reconcile %s: %w", userID, err)
		}
		repaired++
	}

	for _, followee := range self.Following {
		if followee == userID {
			continue
		}
		other, err := g.Get(ctx, followee)
		if err != nil {
			return repaired, err
		}
		if other.FollowedBy(userID) {
			continue
		}
		if _, err := g.store.Merge(ctx, key(followee), document.Fields{"followers": document.ArrayUnion(userID)}); err != nil {
			return repaired, fmt.Errorf("reconcile %s: %w", userID, err)
		}
		repaired++
	}

	for _, follower := range self.Followers {
		if follower == userID {
			continue
		}
		other, err := g.Get(ctx, follower)
		if err != nil {
			return repaired, err
		}
		if other.Follows(userID) {
			continue
		}
		if _, err := g.store.Merge(ctx, key(userID), document.Fields{"followers": document.ArrayRemove(follower)}); err != nil {
			return repaired, fmt.Errorf("reconcile %s: %w", userID, err)
		}
		repaired++
	}

	g.metrics.RecordReconciled(repaired)
	if repaired > 0 {
		g.log.Info().Str("user_id", userID).Int("repaired", repaired).Msg("reconciled follow edges")
	}
	return repaired, nil
}
