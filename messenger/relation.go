package messenger

import (
	"context"
	"fmt"

	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/store/social"
)

type followMode int

const (
	modeFollow followMode = iota
	modeUnfollow
	modeToggle
)

func (m followMode) target(following bool) bool {
	switch m {
	case modeFollow:
		return true
	case modeUnfollow:
		return false
	default:
		return !following
	}
}

// Follow follows userID optimistically.
func (s *Session) Follow(ctx context.Context, userID string) error {
	return s.setFollow(ctx, userID, modeFollow)
}

// Unfollow unfollows userID optimistically.
func (s *Session) Unfollow(ctx context.Context, userID string) error {
	return s.setFollow(ctx, userID, modeUnfollow)
}

// ToggleFollow flips the follow state shown for userID.
func (s *Session) ToggleFollow(ctx context.Context, userID string) error {
	return s.setFollow(ctx, userID, modeToggle)
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// ensureRelation seeds the relation for a user that has no live
// subscription, such as one followed from a profile page.
func (s *Session) ensureRelation(ctx context.Context, userID string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	rel, ok := s.relations[userID]
	if ok && (rel.loaded || rel.Phase == PhasePending) {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	s.mu.Unlock()

	snap, err := s.svc.Graph.Get(ctx, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrSessionClosed
	}
	rel = s.relationLocked(userID)
	if !rel.loaded && rel.Phase == PhaseStable {
		rel.Following = snap.FollowedBy(s.identity.ID)
		rel.Counts = snap.Counts()
		rel.loaded = true
	}
	return nil
}

// setFollow runs the optimistic protocol: refuse while a change for the
// same user is in flight, flip the shown state and both counters, write,
// then keep the result or restore the values from before the click.
func (s *Session) setFollow(ctx context.Context, userID string, mode followMode) error {
	if userID == s.identity.ID {
		return social.ErrSelfFollow
	}
	if err := s.ensureRelation(ctx, userID); err != nil {
		return err
	}
	name := s.lookupProfile(ctx, userID).DisplayName

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	rel := s.relationLocked(userID)
	want := mode.target(rel.Following)
	action := "unfollow"
	if want {
		action = "follow"
	}
	if rel.Phase == PhasePending || rel.Following == want {
		following := rel.Following
		s.mu.Unlock()
		s.svc.Metrics.RecordFollow(action, metrics.OutcomeDuplicate)
		if following {
			s.notify(ToastInfo, "You are already following %s", name)
		} else {
			s.notify(ToastInfo, "You are not following %s", name)
		}
		return nil
	}

	before := rel.Relation
	delta := -1
	if want {
		delta = 1
	}
	rel.Following = want
	rel.Counts.Followers = clamp(rel.Counts.Followers + delta)
	rel.Phase = PhasePending
	rel.stash = nil
	selfBefore := s.self.Following
	s.self.Following = clamp(s.self.Following + delta)
	selfDelta := s.self.Following - selfBefore
	s.pending++
	gen := s.gen
	pendingView, selfView := rel.Relation, s.selfRelationLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventRelation, Relation: &pendingView})
	s.emit(Event{Kind: EventRelation, Relation: &selfView})

	var err error
	if want {
		err = s.svc.Graph.Follow(ctx, s.identity.ID, userID)
	} else {
		err = s.svc.Graph.Unfollow(ctx, s.identity.ID, userID)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return err
	}
	s.pending--
	if err != nil {
		rel.Following, rel.Counts = before.Following, before.Counts
		s.self.Following = clamp(s.self.Following - selfDelta)
	}
	if rel.stash != nil {
		rel.Following, rel.Counts = rel.stash.following, rel.stash.counts
		rel.stash = nil
	}
	rel.Phase = PhaseStable
	if s.pending == 0 && s.selfStash != nil {
		s.self = *s.selfStash
		s.selfStash = nil
	}
	settledView, selfView := rel.Relation, s.selfRelationLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventRelation, Relation: &settledView})
	s.emit(Event{Kind: EventRelation, Relation: &selfView})

	if err != nil {
		s.svc.Metrics.RecordFollow(action, metrics.OutcomeRolledBack)
		s.log.Warn().Err(err).Str("counterpart_id", userID).Str("action", action).Msg("follow change rolled back")
		s.notifyFailure(err, fmt.Sprintf("Failed to %s %s", action, name))
		return err
	}
	s.svc.Metrics.RecordFollow(action, metrics.OutcomeConfirmed)
	if want {
		s.notify(ToastSuccess, "Followed %s successfully!", name)
	} else {
		s.notify(ToastSuccess, "Unfollowed %s successfully!", name)
	}
	return nil
}
