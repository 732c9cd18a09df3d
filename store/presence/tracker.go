package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/store/document"
)

// Options tune a Tracker. Zero values disable the heartbeat and staleness.
type Options struct {
	Heartbeat  time.Duration
	StaleAfter time.Duration
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Tracker reads and writes presence documents.
type Tracker struct {
	store   document.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	heartbeat  time.Duration
	staleAfter time.Duration

	mu      sync.Mutex
	holders map[string]*holder
}

// holder counts the leases this process holds for one user.
type holder struct {
	mu   sync.Mutex
	refs int
	stop chan struct{}
	done chan struct{}
}

// NewTracker creates a Tracker on top of store.
func NewTracker(store document.Store, log zerolog.Logger, opts Options) *Tracker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		store:      store,
		log:        log.With().Str("component", "presence").Logger(),
		metrics:    opts.Metrics,
		now:        now,
		heartbeat:  opts.Heartbeat,
		staleAfter: opts.StaleAfter,
		holders:    make(map[string]*holder),
	}
}

// SetOnline marks userID online. Repeating it only refreshes the heartbeat.
func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	return t.write(ctx, userID, "online", document.Fields{
		"isOnline":    true,
		"heartbeatAt": t.now().UnixMilli(),
	})
}

// SetOffline marks userID offline and stamps lastSeen.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	return t.write(ctx, userID, "offline", document.Fields{
		"isOnline": false,
		"lastSeen": t.now().UnixMilli(),
	})
}

func (t *Tracker) write(ctx context.Context, userID, state string, patch document.Fields) error {
	_, err := t.store.Merge(ctx, key(userID), patch)
	t.metrics.RecordPresenceWrite(state, err)
	if err != nil {
		t.log.Error().Err(err).Str("user_id", userID).Str("state", state).Msg("presence write failed")
		return fmt.Errorf("set %s %s: %w", userID, state, err)
	}
	return nil
}

// Get returns the effective presence of userID. A user that never opened a
// session reads as offline.
func (t *Tracker) Get(ctx context.Context, userID string) (Presence, error) {
	doc, err := t.store.Get(ctx, key(userID))
	if err != nil && !errors.Is(err, document.ErrNotFound) {
		return Presence{}, fmt.Errorf("get presence %s: %w", userID, err)
	}
	return t.Effective(fromDocument(userID, doc)), nil
}

// Effective applies the tracker's staleness rule at the current time.
func (t *Tracker) Effective(p Presence) Presence {
	return Effective(p, t.now(), t.staleAfter)
}

// StaleIn reports how long p keeps reading as online under the tracker's
// staleness rule.
func (t *Tracker) StaleIn(p Presence) (time.Duration, bool) {
	return StaleIn(p, t.now(), t.staleAfter)
}

// Watch calls fn with the stored record of userID, before the staleness
// rule is applied, and again after every write. Callers that keep the record
// apply Effective when they read it.
func (t *Tracker) Watch(ctx context.Context, userID string, fn func(Presence)) (document.Unsubscribe, error) {
	unsubscribe, err := t.store.Watch(ctx, key(userID), func(doc document.Document) {
		fn(fromDocument(userID, doc))
	})
	if err != nil {
		return nil, fmt.Errorf("watch presence %s: %w", userID, err)
	}
	return unsubscribe, nil
}

// Subscribe calls fn with the current presence of userID and again after
// every change.
func (t *Tracker) Subscribe(ctx context.Context, userID string, fn func(Presence)) (document.Unsubscribe, error) {
	unsubscribe, err := t.store.Watch(ctx, key(userID), func(doc document.Document) {
		fn(t.Effective(fromDocument(userID, doc)))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe presence %s: %w", userID, err)
	}
	return unsubscribe, nil
}

// Lease keeps a user online until it is released.
type Lease struct {
	tracker *Tracker
	userID  string
	once    sync.Once
}

// Acquire takes a presence lease for userID. The first lease held by this
// process writes the user online and starts the heartbeat. The returned
// lease is usable even when that write fails; the heartbeat retries it.
func (t *Tracker) Acquire(ctx context.Context, userID string) (*Lease, error) {
	h := t.holder(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refs++
	lease := &Lease{tracker: t, userID: userID}
	if h.refs > 1 {
		return lease, nil
	}
	err := t.SetOnline(ctx, userID)
	if t.heartbeat > 0 {
		h.stop = make(chan struct{})
		h.done = make(chan struct{})
		go t.beat(userID, h.stop, h.done)
	}
	return lease, err
}

// UserID returns the user the lease keeps online.
func (l *Lease) UserID() string {
	return l.userID
}

// Release gives the lease back. The last release for a user stops the
// heartbeat and writes the user offline. Further calls do nothing.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.tracker.release(ctx, l.userID)
	})
	return err
}

func (t *Tracker) release(ctx context.Context, userID string) error {
	h := t.holder(userID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	if h.stop != nil {
		close(h.stop)
		<-h.done
		h.stop, h.done = nil, nil
	}
	return t.SetOffline(ctx, userID)
}

func (t *Tracker) holder(userID string) *holder {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.holders[userID]
	if !ok {
		h = &holder{}
		t.holders[userID] = h
	}
	return h
}

func (t *Tracker) beat(userID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.heartbeat)
			_ = t.write(ctx, userID, "heartbeat", document.Fields{
				"isOnline":    true,
				"heartbeatAt": t.now().UnixMilli(),
			})
			cancel()
		}
	}
}
