package document

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type record struct {
	fields   Fields
	seq      int64
	revision int64
}

// Memory is an in-process Store. Subscribers are notified synchronously
// by the writing goroutine once the write is committed.
type Memory struct {
	mu       sync.Mutex
	docs     map[Key]*record
	seq      int64
	revision int64
	subs     Subscribers
	closed   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[Key]*record)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Get(ctx context.Context, key Key) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := key.Validate(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.snapshotLocked(key)
	if !doc.Exists {
		return doc, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return doc, nil
}

func (m *Memory) Create(ctx context.Context, key Key, fields Fields) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := key.Validate(); err != nil {
		return Document{}, err
	}
	canonical, err := Canonical(fields)
	if err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	if err := m.openLocked(); err != nil {
		m.mu.Unlock()
		return Document{}, err
	}
	if _, ok := m.docs[key]; ok {
		m.mu.Unlock()
		return Document{}, fmt.Errorf("create %s: %w", key, ErrAlreadyExists)
	}
	doc, pending := m.writeLocked(key, canonical)
	m.mu.Unlock()
	drain(pending)
	return doc, nil
}

func (m *Memory) Add(ctx context.Context, collection string, fields Fields) (Document, error) {
	return m.Create(ctx, K(collection, uuid.NewString()), fields)
}

func (m *Memory) Set(ctx context.Context, key Key, fields Fields) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := key.Validate(); err != nil {
		return Document{}, err
	}
	canonical, err := Canonical(fields)
	if err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	if err := m.openLocked(); err != nil {
		m.mu.Unlock()
		return Document{}, err
	}
	doc, pending := m.writeLocked(key, canonical)
	m.mu.Unlock()
	drain(pending)
	return doc, nil
}

func (m *Memory) Merge(ctx context.Context, key Key, patch Fields) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := key.Validate(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	if err := m.openLocked(); err != nil {
		m.mu.Unlock()
		return Document{}, err
	}
	current := Fields{}
	if rec, ok := m.docs[key]; ok {
		current = rec.fields
	}
	merged, err := ApplyPatch(current, patch)
	if err != nil {
		m.mu.Unlock()
		return Document{}, fmt.Errorf("merge %s: %w", key, err)
	}
	doc, pending := m.writeLocked(key, merged)
	m.mu.Unlock()
	drain(pending)
	return doc, nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryLocked(q), nil
}

func (m *Memory) Watch(ctx context.Context, key Key, fn func(Document)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	sub := NewKeySubscriber(key, fn)
	m.mu.Lock()
	if err := m.openLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	unsubscribe := m.subs.Add(sub)
	doc := m.snapshotLocked(key)
	sub.PushDoc(doc.Revision, doc)
	m.mu.Unlock()
	sub.Drain()
	return unsubscribe, nil
}

func (m *Memory) WatchQuery(ctx context.Context, q Query, fn func([]Document)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sub := NewQuerySubscriber(q, fn)
	m.mu.Lock()
	if err := m.openLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	unsubscribe := m.subs.Add(sub)
	sub.PushDocs(m.revision, m.queryLocked(q))
	m.mu.Unlock()
	sub.Drain()
	return unsubscribe, nil
}

// Close drops every subscription. Further writes fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.subs.CloseAll()
	return nil
}

// Subscriptions returns the number of live subscriptions.
func (m *Memory) Subscriptions() int {
	return m.subs.Len()
}

func (m *Memory) openLocked() error {
	if m.closed {
		return fmt.Errorf("memory: %w", ErrClosed)
	}
	return nil
}

func (m *Memory) writeLocked(key Key, fields Fields) (Document, []*Subscriber) {
	m.revision++
	rec, ok := m.docs[key]
	if !ok {
		m.seq++
		rec = &record{seq: m.seq}
		m.docs[key] = rec
	}
	rec.fields = fields
	rec.revision = m.revision
	doc := m.snapshotLocked(key)

	var pending []*Subscriber
	for _, sub := range m.subs.Matching(key) {
		if !sub.Concerns(key, doc) {
			continue
		}
		if sub.Query != nil {
			sub.PushDocs(m.revision, m.queryLocked(*sub.Query))
		} else {
			sub.PushDoc(m.revision, doc)
		}
		pending = append(pending, sub)
	}
	return doc, pending
}

func (m *Memory) snapshotLocked(key Key) Document {
	rec, ok := m.docs[key]
	if !ok {
		return Document{Key: key, Fields: Fields{}}
	}
	return Document{
		Key:      key,
		Fields:   rec.fields.Clone(),
		Exists:   true,
		Seq:      rec.seq,
		Revision: rec.revision,
	}
}

func (m *Memory) queryLocked(q Query) []Document {
	docs := make([]Document, 0)
	for key := range m.docs {
		if key.Collection == q.Collection {
			docs = append(docs, m.snapshotLocked(key))
		}
	}
	return q.Apply(docs)
}

func drain(subs []*Subscriber) {
	for _, sub := range subs {
		sub.Drain()
	}
}
