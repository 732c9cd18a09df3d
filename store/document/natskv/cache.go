package natskv

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/nexus-im/messenger/store/document"
)

// entry is the subset of jetstream.KeyValueEntry the cache reads.
type entry interface {
	Key() string
	Value() []byte
	Revision() uint64
	Operation() jetstream.KeyValueOp
}

// collectionCache mirrors the watched keys so every watcher update can be
// turned into a full snapshot.
type collectionCache struct {
	docs     map[document.Key]document.Document
	revision int64
}

func newCollectionCache() *collectionCache {
	return &collectionCache{docs: make(map[document.Key]document.Document)}
}

// loadInitial consumes watcher updates up to the nil marker that ends the
// initial values.
func (c *collectionCache) loadInitial(ctx context.Context, updates <-chan jetstream.KeyValueEntry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-updates:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if e == nil {
				return nil
			}
			if err := c.apply(e); err != nil {
				return err
			}
		}
	}
}

func (c *collectionCache) apply(e entry) error {
	key, err := ParseSubject(e.Key())
	if err != nil {
		return err
	}
	if rev := int64(e.Revision()); rev > c.revision {
		c.revision = rev
	}
	if e.Operation() != jetstream.KeyValuePut {
		delete(c.docs, key)
		return nil
	}
	doc, err := decodeEntry(key, e)
	if err != nil {
		return err
	}
	c.docs[key] = doc
	return nil
}

func (c *collectionCache) get(key document.Key) document.Document {
	if doc, ok := c.docs[key]; ok {
		return doc
	}
	return document.Document{Key: key, Fields: document.Fields{}}
}

func (c *collectionCache) documents() []document.Document {
	out := make([]document.Document, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, doc)
	}
	return out
}

// feed mirrors one collection for every query subscription on it.
type feed struct {
	collection string
	watcher    jetstream.KeyWatcher
	cancel     context.CancelFunc

	mu    sync.Mutex
	cache *collectionCache
	subs  map[*document.Subscriber]struct{}
}

func newFeed(collection string) *feed {
	return &feed{
		collection: collection,
		cache:      newCollectionCache(),
		subs:       make(map[*document.Subscriber]struct{}),
	}
}

func (f *feed) add(sub *document.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub] = struct{}{}
	sub.PushDocs(f.cache.revision, sub.Query.Apply(f.cache.documents()))
}

// remove drops sub and returns how many subscribers are left.
func (f *feed) remove(sub *document.Subscriber) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
	return len(f.subs)
}

// apply folds e into the mirror and queues a fresh result for every
// subscriber the write concerns. The returned subscribers need draining.
func (f *feed) apply(e entry) ([]*document.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cache.apply(e); err != nil {
		return nil, err
	}
	key, err := ParseSubject(e.Key())
	if err != nil {
		return nil, err
	}
	doc := f.cache.get(key)

	var pending []*document.Subscriber
	for sub := range f.subs {
		if !sub.Concerns(key, doc) {
			continue
		}
		sub.PushDocs(int64(e.Revision()), sub.Query.Apply(f.cache.documents()))
		pending = append(pending, sub)
	}
	return pending, nil
}
