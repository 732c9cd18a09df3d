// Package messenger implements the per-user session controller that ties
// presence, the social graph, the conversation directory and message
// channels together for one open messenger panel.
//
// A Session moves through Closed -> Loading -> Idle <-> ConversationOpen
// and back to Closed. It holds every live subscription it attaches in a
// Registry and releases all of them on Close. Follow actions are applied
// optimistically and rolled back when the remote write fails.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/store/conversation"
	"github.com/nexus-im/messenger/store/document"
	"github.com/nexus-im/messenger/store/message"
	"github.com/nexus-im/messenger/store/presence"
	"github.com/nexus-im/messenger/store/social"
	"github.com/nexus-im/messenger/store/user"
)

// State of a session.
type State string

const (
	StateClosed           State = "closed"
	StateLoading          State = "loading"
	StateIdle             State = "idle"
	StateConversationOpen State = "conversation_open"
)

// Phase of a follow relation.
type Phase string

const (
	PhaseStable  Phase = "stable"
	PhasePending Phase = "pending"
)

var (
	ErrSessionClosed  = errors.New("session is closed")
	ErrNotReady       = errors.New("session is still loading")
	ErrNoConversation = errors.New("no such conversation")
)

const (
	PlaceholderName  = "Unknown user"
	DefaultAvatarURL = "/static/avatar-default.png"

	PermissionDeniedText = "Permission denied: check access rules"
)

// Profiles looks up public user profiles.
type Profiles interface {
	Profile(ctx context.Context, id string) (user.Profile, error)
}

// Identity is the user a session acts for.
type Identity struct {
	ID          string
	DisplayName string
}

// Services are the stores a session works against.
type Services struct {
	Presence  *presence.Tracker
	Graph     *social.Graph
	Directory *conversation.Directory
	Channel   *message.Channel
	Profiles  Profiles
	Metrics   *metrics.Metrics
}

// Options carry the session's outputs.
type Options struct {
	Notifier Notifier
	Observer Observer
	Log      zerolog.Logger
	Now      func() time.Time
}

type profileEntry struct {
	user.Profile
	placeholder bool
}

// echo is a graph snapshot received while a relation was pending.
type echo struct {
	following bool
	counts    social.Counts
}

type relation struct {
	Relation
	loaded bool
	stash  *echo
}

// Session is one user's open messenger panel.
type Session struct {
	identity Identity
	svc      Services
	notifier Notifier
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
	registry *Registry

	mu     sync.Mutex
	state  State
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	lease  *presence.Lease

	conversations []conversation.Conversation
	profiles      map[string]profileEntry
	presence      map[string]presence.Presence
	relations     map[string]*relation
	self          social.Counts
	selfStash     *social.Counts
	pending       int

	active   string
	messages []message.Message
	draft    string
}

// NewSession creates a closed session for identity.
func NewSession(identity Identity, svc Services, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		identity: identity,
		svc:      svc,
		notifier: opts.Notifier,
		observer: opts.Observer,
		log:      opts.Log.With().Str("component", "session").Str("user_id", identity.ID).Logger(),
		now:      now,
		registry: NewRegistry(svc.Metrics),
		state:    StateClosed,
	}
	s.resetLocked()
	return s
}

func (s *Session) resetLocked() {
	s.conversations = nil
	s.profiles = make(map[string]profileEntry)
	s.presence = make(map[string]presence.Presence)
	s.relations = make(map[string]*relation)
	s.self = social.Counts{}
	s.selfStash = nil
	s.pending = 0
	s.active = ""
	s.messages = nil
	s.draft = ""
}

// Open loads the conversation list, marks the user online and attaches
// presence and follow subscriptions for every counterpart. Opening an
// open session does nothing.
func (s *Session) Open(ctx context.Context) error {
	me := s.identity.ID

	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	live := s.ctx
	s.transitionLocked(StateLoading)
	s.mu.Unlock()

	s.svc.Metrics.SessionOpened()
	s.emit(Event{Kind: EventState, State: StateLoading})

	lease, err := s.svc.Presence.Acquire(ctx, me)
	if err != nil {
		s.log.Warn().Err(err).Msg("presence unavailable, continuing offline")
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		if lease != nil {
			_ = lease.Release(ctx)
		}
		return ErrSessionClosed
	}
	s.lease = lease
	s.mu.Unlock()

	// One-sided edges left by an interrupted follow are repaired before the
	// counts are first shown.
	if _, err := s.svc.Graph.Reconcile(ctx, me); err != nil {
		s.log.Warn().Err(err).Msg("follow edges not reconciled")
	}

	convos, err := s.svc.Directory.List(ctx, me)
	if err != nil {
		s.notifyFailure(err, "Failed to load conversations")
		_ = s.Close(ctx)
		return err
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.conversations = convos
	s.mu.Unlock()

	for _, c := range convos {
		s.attachCounterpart(live, gen, c.Counterpart(me))
	}

	if unsubscribe, err := s.svc.Graph.Subscribe(live, me, func(snap social.Snapshot) {
		s.onSelf(gen, snap)
	}); err != nil {
		s.log.Error().Err(err).Msg("follow counts subscription failed")
	} else {
		s.register(gen, selfKey, unsubscribe)
	}

	if unsubscribe, err := s.svc.Directory.Subscribe(live, me, func(list []conversation.Conversation) {
		s.onConversations(live, gen, list)
	}); err != nil {
		s.log.Error().Err(err).Msg("conversation list subscription failed")
	} else {
		s.register(gen, conversationsKey, unsubscribe)
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateLoading {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.transitionLocked(StateIdle)
	entries := s.entriesLocked()
	s.mu.Unlock()

	s.log.Debug().Int("conversations", len(entries)).Int("subscriptions", s.registry.Len()).Msg("session open")
	s.emit(Event{Kind: EventState, State: StateIdle})
	s.emit(Event{Kind: EventConversations, Conversations: entries})
	return nil
}

// Close releases presence and every subscription. It is safe to call in
// any state and more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.transitionLocked(StateClosed)
	lease, cancel := s.lease, s.cancel
	s.lease, s.cancel, s.ctx = nil, nil, nil
	s.resetLocked()
	s.mu.Unlock()

	released := s.registry.Drain()
	if cancel != nil {
		cancel()
	}
	if lease != nil {
		if err := lease.Release(ctx); err != nil {
			s.log.Warn().Err(err).Msg("presence not cleared")
		}
	}
	s.svc.Metrics.SessionClosed()
	s.log.Debug().Int("subscriptions", released).Msg("session closed")
	s.emit(Event{Kind: EventState, State: StateClosed})
	return nil
}

func (s *Session) transitionLocked(to State) {
	s.svc.Metrics.RecordTransition(string(s.state), string(to))
	s.state = to
}

// register keeps unsubscribe unless the session moved on since gen.
func (s *Session) register(gen uint64, key string, unsubscribe document.Unsubscribe) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state == StateClosed {
		unsubscribe()
		return false
	}
	s.registry.Add(key, unsubscribe)
	return true
}

func (s *Session) attachCounterpart(ctx context.Context, gen uint64, userID string) {
	if userID == "" || userID == s.identity.ID {
		return
	}
	if s.registry.Has(presenceKey(userID)) && s.registry.Has(graphKey(userID)) {
		return
	}
	s.lookupProfile(ctx, userID)

	if unsubscribe, err := s.svc.Presence.Watch(ctx, userID, func(p presence.Presence) {
		s.onPresence(gen, p)
	}); err != nil {
		s.log.Error().Err(err).Str("counterpart_id", userID).Msg("presence subscription failed")
	} else {
		s.register(gen, presenceKey(userID), unsubscribe)
	}

	if unsubscribe, err := s.svc.Graph.Subscribe(ctx, userID, func(snap social.Snapshot) {
		s.onCounterpart(gen, snap)
	}); err != nil {
		s.log.Error().Err(err).Str("counterpart_id", userID).Msg("follow subscription failed")
	} else {
		s.register(gen, graphKey(userID), unsubscribe)
	}
}

func (s *Session) lookupProfile(ctx context.Context, userID string) profileEntry {
	s.mu.Lock()
	cached, ok := s.profiles[userID]
	s.mu.Unlock()
	if ok {
		return cached
	}

	entry := profileEntry{Profile: user.Profile{ID: userID, DisplayName: PlaceholderName, AvatarURL: DefaultAvatarURL}, placeholder: true}
	if s.svc.Profiles != nil {
		p, err := s.svc.Profiles.Profile(ctx, userID)
		switch {
		case err == nil:
			if p.AvatarURL == "" {
				p.AvatarURL = DefaultAvatarURL
			}
			entry = profileEntry{Profile: p}
		case errors.Is(err, user.ErrUserNotFound):
		default:
			s.log.Warn().Err(err).Str("counterpart_id", userID).Msg("profile lookup failed")
			// do not cache transient failures
			return entry
		}
	}

	s.mu.Lock()
	s.profiles[userID] = entry
	s.mu.Unlock()
	return entry
}

func (s *Session) onConversations(ctx context.Context, gen uint64, list []conversation.Conversation) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.conversations = list
	s.mu.Unlock()

	for _, c := range list {
		s.attachCounterpart(ctx, gen, c.Counterpart(s.identity.ID))
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	entries := s.entriesLocked()
	s.mu.Unlock()
	s.emit(Event{Kind: EventConversations, Conversations: entries})
}

func (s *Session) onPresence(gen uint64, p presence.Presence) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.presence[p.UserID] = p
	view := s.presenceViewLocked(p)
	s.mu.Unlock()

	s.armStale(gen, p)
	s.emit(Event{Kind: EventPresence, Presence: &view})
}

// armStale schedules a presence event for the moment an online record stops
// being refreshed long enough to read as offline. A newer record replaces
// the pending timer.
func (s *Session) armStale(gen uint64, p presence.Presence) {
	d, ok := s.svc.Presence.StaleIn(p)
	if !ok {
		s.registry.Remove(staleKey(p.UserID))
		return
	}
	timer := time.AfterFunc(d, func() {
		s.onStale(gen, p.UserID)
	})
	s.register(gen, staleKey(p.UserID), func() {
		timer.Stop()
	})
}

func (s *Session) onStale(gen uint64, userID string) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	p, ok := s.presence[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	view := s.presenceViewLocked(p)
	s.mu.Unlock()

	// a fresher heartbeat may have landed since the timer was armed
	if view.IsOnline {
		return
	}
	s.emit(Event{Kind: EventPresence, Presence: &view})
}

func (s *Session) presenceViewLocked(p presence.Presence) PresenceView {
	return viewPresence(s.svc.Presence.Effective(p), s.now())
}

func (s *Session) onCounterpart(gen uint64, snap social.Snapshot) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	rel := s.relationLocked(snap.UserID)
	e := echo{following: snap.FollowedBy(s.identity.ID), counts: snap.Counts()}
	if rel.Phase == PhasePending {
		rel.stash = &e
		s.mu.Unlock()
		return
	}
	rel.Following, rel.Counts, rel.loaded = e.following, e.counts, true
	view := rel.Relation
	s.mu.Unlock()

	s.emit(Event{Kind: EventRelation, Relation: &view})
}

func (s *Session) onSelf(gen uint64, snap social.Snapshot) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	counts := snap.Counts()
	if s.pending > 0 {
		s.selfStash = &counts
		s.mu.Unlock()
		return
	}
	s.self = counts
	view := s.selfRelationLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventRelation, Relation: &view})
}

func (s *Session) relationLocked(userID string) *relation {
	rel, ok := s.relations[userID]
	if !ok {
		rel = &relation{Relation: Relation{UserID: userID, Phase: PhaseStable}}
		s.relations[userID] = rel
	}
	return rel
}

func (s *Session) selfRelationLocked() Relation {
	return Relation{UserID: s.identity.ID, Phase: PhaseStable, Counts: s.self}
}

func (s *Session) entriesLocked() []Entry {
	now := s.now()
	out := make([]Entry, 0, len(s.conversations))
	for _, c := range s.conversations {
		counterpart := c.Counterpart(s.identity.ID)
		profile, ok := s.profiles[counterpart]
		if !ok {
			profile = profileEntry{Profile: user.Profile{ID: counterpart, DisplayName: PlaceholderName, AvatarURL: DefaultAvatarURL}, placeholder: true}
		}
		p, ok := s.presence[counterpart]
		if !ok {
			p = presence.Presence{UserID: counterpart}
		}
		rel := Relation{UserID: counterpart, Phase: PhaseStable}
		if r, ok := s.relations[counterpart]; ok {
			rel = r.Relation
		}
		out = append(out, Entry{
			ID:              c.ID,
			Counterpart:     profile.Profile,
			Placeholder:     profile.placeholder,
			LastMessage:     c.LastMessage,
			LastMessageTime: c.LastMessageTime,
			Presence:        viewPresence(s.svc.Presence.Effective(p), now),
			Relation:        rel,
		})
	}
	return out
}

func (s *Session) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}

func (s *Session) notify(kind ToastKind, format string, args ...any) {
	if s.notifier != nil {
		s.notifier.Notify(Toast{Kind: kind, Text: fmt.Sprintf(format, args...)})
	}
}

// notifyFailure reports err, replacing text when the store refused access.
func (s *Session) notifyFailure(err error, text string) {
	if errors.Is(err, document.ErrPermissionDenied) {
		text = PermissionDeniedText
	}
	s.notify(ToastError, "%s", text)
}

// Identity returns the user the session acts for.
func (s *Session) Identity() Identity {
	return s.identity
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversations returns the conversation list as currently shown.
func (s *Session) Conversations() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesLocked()
}

// Relation returns the follow state shown for userID.
func (s *Session) Relation(userID string) (Relation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relations[userID]
	if !ok {
		return Relation{}, false
	}
	return rel.Relation, true
}

// Self returns the session user's own follow counts.
func (s *Session) Self() social.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Presence returns the presence shown for userID, with a record whose
// heartbeat went quiet read as offline.
func (s *Session) Presence(userID string) (PresenceView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	if !ok {
		return PresenceView{}, false
	}
	return s.presenceViewLocked(p), true
}

// Subscriptions returns the number of live subscriptions.
func (s *Session) Subscriptions() int {
	return s.registry.Len()
}
