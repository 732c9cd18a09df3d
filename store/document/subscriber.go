package document

import (
	"sync"
)

type delivery struct {
	revision int64
	doc      Document
	docs     []Document
}

// Subscriber queues snapshots for one subscription and delivers them in
// revision order. Snapshots older than the last delivered one are dropped.
//
// Push may be called while holding a backend lock; Drain must not be, since
// it runs the callback, and callbacks are free to call back into the store.
type Subscriber struct {
	Key   Key
	Query *Query

	onDoc  func(Document)
	onDocs func([]Document)

	mu       sync.Mutex
	queue    []delivery
	draining bool
	closed   bool
	last     int64

	// keys of the newest query result pushed, and its revision
	members    map[Key]struct{}
	membersRev int64
}

// NewKeySubscriber creates a subscriber for one document.
func NewKeySubscriber(key Key, fn func(Document)) *Subscriber {
	return &Subscriber{Key: key, onDoc: fn, last: -1}
}

// NewQuerySubscriber creates a subscriber for a query result set.
func NewQuerySubscriber(q Query, fn func([]Document)) *Subscriber {
	return &Subscriber{Key: Key{Collection: q.Collection}, Query: &q, onDocs: fn, last: -1}
}

// Wants reports whether a write to key concerns this subscriber.
func (s *Subscriber) Wants(key Key) bool {
	if s.Query != nil {
		return s.Query.Collection == key.Collection
	}
	return s.Key == key
}

// Concerns reports whether a write that left key as doc can change what
// the subscriber sees. A query subscriber is concerned when doc matches its
// filters or key was part of the last result it was given.
func (s *Subscriber) Concerns(key Key, doc Document) bool {
	if s.Query == nil {
		return s.Key == key
	}
	if s.Query.Collection != key.Collection {
		return false
	}
	if s.Query.Matches(doc) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[key]
	return ok
}

// PushDoc queues a document snapshot.
func (s *Subscriber) PushDoc(revision int64, doc Document) {
	s.push(delivery{revision: revision, doc: doc})
}

// PushDocs queues a query result snapshot.
func (s *Subscriber) PushDocs(revision int64, docs []Document) {
	s.mu.Lock()
	if !s.closed && (s.members == nil || revision >= s.membersRev) {
		s.members = make(map[Key]struct{}, len(docs))
		for _, d := range docs {
			s.members[d.Key] = struct{}{}
		}
		s.membersRev = revision
	}
	s.mu.Unlock()
	s.push(delivery{revision: revision, docs: docs})
}

func (s *Subscriber) push(d delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, d)
}

// Drain delivers queued snapshots. If another goroutine is already
// draining, Drain returns and that goroutine picks up the new entries.
func (s *Subscriber) Drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for {
		if s.closed || len(s.queue) == 0 {
			s.queue = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		if next.revision <= s.last {
			continue
		}
		s.last = next.revision
		s.mu.Unlock()

		if s.onDocs != nil {
			s.onDocs(next.docs)
		} else if s.onDoc != nil {
			s.onDoc(next.doc)
		}

		s.mu.Lock()
	}
}

// Close stops further deliveries. A callback already running finishes.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscribers is a concurrency-safe set of subscribers shared by backends.
type Subscribers struct {
	mu   sync.Mutex
	next int64
	subs map[int64]*Subscriber
}

// Add registers sub and returns the function that removes and closes it.
func (r *Subscribers) Add(sub *Subscriber) Unsubscribe {
	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[int64]*Subscriber)
	}
	r.next++
	id := r.next
	r.subs[id] = sub
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			sub.Close()
		})
	}
}

// Matching returns the subscribers interested in a write to key.
func (r *Subscribers) Matching(key Key) []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Subscriber
	for _, sub := range r.subs {
		if sub.Wants(key) {
			out = append(out, sub)
		}
	}
	return out
}

// All returns every registered subscriber.
func (r *Subscribers) All() []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Len returns the number of registered subscribers.
func (r *Subscribers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// CloseAll closes and forgets every subscriber.
func (r *Subscribers) CloseAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
