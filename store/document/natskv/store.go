// Package natskv implements document.Store on a NATS JetStream key-value
// bucket. Keys are "collection.id"; push subscriptions are KV watchers.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/store/document"
)

// maxMergeAttempts bounds the compare-and-swap loop in Merge.
const maxMergeAttempts = 8

// envelope is the stored value. Seq is fixed at creation so query ordering
// ties can be broken the same way on every node.
type envelope struct {
	Seq    int64           `json:"seq"`
	Fields document.Fields `json:"fields"`
}

// Store implements document.Store over a jetstream.KeyValue bucket.
type Store struct {
	kv   jetstream.KeyValue
	log  zerolog.Logger
	subs document.Subscribers
	nc   *nats.Conn
	now  func() time.Time

	feedsMu sync.Mutex
	feeds   map[string]*feed
}

var _ document.Store = (*Store)(nil)

// New wraps an existing bucket.
func New(kv jetstream.KeyValue, log zerolog.Logger) *Store {
	return &Store{
		kv:  kv,
		log: log.With().Str("component", "document-natskv").Str("bucket", kv.Bucket()).Logger(),
		now: time.Now,
	}
}

// Open connects to NATS and creates (or updates) the bucket.
func Open(ctx context.Context, url, bucket string, log zerolog.Logger) (*Store, error) {
	nc, err := nats.Connect(url, nats.Name("messenger-documents"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "messenger documents",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	s := New(kv, log)
	s.nc = nc
	s.log.Info().Str("url", url).Msg("document store connected")
	return s, nil
}

// Subject maps a document key onto a KV key.
func Subject(key document.Key) string {
	return key.Collection + "." + key.ID
}

// ParseSubject is the inverse of Subject.
func ParseSubject(subject string) (document.Key, error) {
	collection, id, ok := strings.Cut(subject, ".")
	if !ok {
		return document.Key{}, fmt.Errorf("%w: %q", document.ErrInvalidKey, subject)
	}
	key := document.K(collection, id)
	return key, key.Validate()
}

func (s *Store) Get(ctx context.Context, key document.Key) (document.Document, error) {
	if err := key.Validate(); err != nil {
		return document.Document{}, err
	}
	entry, err := s.kv.Get(ctx, Subject(key))
	if err != nil {
		missing := document.Document{Key: key, Fields: document.Fields{}}
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return missing, fmt.Errorf("get %s: %w", key, document.ErrNotFound)
		}
		return missing, fmt.Errorf("get %s: %w", key, translate(err))
	}
	return decodeEntry(key, entry)
}

func (s *Store) Create(ctx context.Context, key document.Key, fields document.Fields) (document.Document, error) {
	if err := key.Validate(); err != nil {
		return document.Document{}, err
	}
	canonical, err := document.Canonical(fields)
	if err != nil {
		return document.Document{}, err
	}
	env := envelope{Seq: s.now().UnixNano(), Fields: canonical}
	raw, err := json.Marshal(env)
	if err != nil {
		return document.Document{}, fmt.Errorf("create %s: %w", key, err)
	}
	revision, err := s.kv.Create(ctx, Subject(key), raw)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return document.Document{}, fmt.Errorf("create %s: %w", key, document.ErrAlreadyExists)
		}
		return document.Document{}, fmt.Errorf("create %s: %w", key, translate(err))
	}
	return document.Document{Key: key, Fields: canonical, Exists: true, Seq: env.Seq, Revision: int64(revision)}, nil
}

func (s *Store) Add(ctx context.Context, collection string, fields document.Fields) (document.Document, error) {
	return s.Create(ctx, document.K(collection, uuid.NewString()), fields)
}

func (s *Store) Set(ctx context.Context, key document.Key, fields document.Fields) (document.Document, error) {
	if err := key.Validate(); err != nil {
		return document.Document{}, err
	}
	canonical, err := document.Canonical(fields)
	if err != nil {
		return document.Document{}, err
	}
	seq := s.now().UnixNano()
	if current, err := s.Get(ctx, key); err == nil {
		seq = current.Seq
	}
	raw, err := json.Marshal(envelope{Seq: seq, Fields: canonical})
	if err != nil {
		return document.Document{}, fmt.Errorf("set %s: %w", key, err)
	}
	revision, err := s.kv.Put(ctx, Subject(key), raw)
	if err != nil {
		return document.Document{}, fmt.Errorf("set %s: %w", key, translate(err))
	}
	return document.Document{Key: key, Fields: canonical, Exists: true, Seq: seq, Revision: int64(revision)}, nil
}

// Merge reads the entry, applies the patch and writes it back only if the
// revision is unchanged, retrying on conflict.
func (s *Store) Merge(ctx context.Context, key document.Key, patch document.Fields) (document.Document, error) {
	if err := key.Validate(); err != nil {
		return document.Document{}, err
	}
	var lastErr error
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return document.Document{}, err
		}
		entry, err := s.kv.Get(ctx, Subject(key))
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			merged, err := document.ApplyPatch(document.Fields{}, patch)
			if err != nil {
				return document.Document{}, fmt.Errorf("merge %s: %w", key, err)
			}
			doc, err := s.Create(ctx, key, merged)
			if errors.Is(err, document.ErrAlreadyExists) {
				lastErr = err
				continue
			}
			return doc, err
		case err != nil:
			return document.Document{}, fmt.Errorf("merge %s: %w", key, translate(err))
		}

		current, err := decodeEntry(key, entry)
		if err != nil {
			return document.Document{}, err
		}
		merged, err := document.ApplyPatch(current.Fields, patch)
		if err != nil {
			return document.Document{}, fmt.Errorf("merge %s: %w", key, err)
		}
		raw, err := json.Marshal(envelope{Seq: current.Seq, Fields: merged})
		if err != nil {
			return document.Document{}, fmt.Errorf("merge %s: %w", key, err)
		}
		revision, err := s.kv.Update(ctx, Subject(key), raw, entry.Revision())
		if err != nil {
			if errors.Is(translate(err), document.ErrPermissionDenied) {
				return document.Document{}, fmt.Errorf("merge %s: %w", key, translate(err))
			}
			lastErr = err
			s.log.Debug().Err(err).Str("key", key.String()).Int("attempt", attempt).Msg("merge conflict, retrying")
			continue
		}
		return document.Document{Key: key, Fields: merged, Exists: true, Seq: current.Seq, Revision: int64(revision)}, nil
	}
	return document.Document{}, fmt.Errorf("merge %s: gave up after %d attempts: %w", key, maxMergeAttempts, lastErr)
}

// Query loads the whole collection through a short-lived watcher and
// filters in memory.
func (s *Store) Query(ctx context.Context, q document.Query) ([]document.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	w, err := s.kv.Watch(ctx, q.Collection+".*", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, translate(err))
	}
	defer func() {
		if err := w.Stop(); err != nil {
			s.log.Debug().Err(err).Msg("stop query watcher")
		}
	}()

	cache := newCollectionCache()
	if err := cache.loadInitial(ctx, w.Updates()); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	return q.Apply(cache.documents()), nil
}

func (s *Store) Watch(ctx context.Context, key document.Key, fn func(document.Document)) (document.Unsubscribe, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(context.Background())
	w, err := s.kv.Watch(wctx, Subject(key))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", key, translate(err))
	}

	sub := document.NewKeySubscriber(key, fn)
	cache := newCollectionCache()
	if err := cache.loadInitial(ctx, w.Updates()); err != nil {
		_ = w.Stop()
		cancel()
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}
	initial := cache.get(key)
	sub.PushDoc(initial.Revision, initial)
	sub.Drain()

	unsubscribe := s.track(sub, w, cancel)
	go func() {
		for entry := range w.Updates() {
			if entry == nil {
				continue
			}
			if err := cache.apply(entry); err != nil {
				s.log.Warn().Err(err).Str("key", entry.Key()).Msg("skipping entry")
				continue
			}
			doc := cache.get(key)
			sub.PushDoc(int64(entry.Revision()), doc)
			sub.Drain()
		}
	}()
	return unsubscribe, nil
}

// WatchQuery serves q from a watcher shared by every query subscription on
// the same collection. Each write refreshes only the subscriptions whose
// result it can change.
func (s *Store) WatchQuery(ctx context.Context, q document.Query, fn func([]document.Document)) (document.Unsubscribe, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sub := document.NewQuerySubscriber(q, fn)
	f, err := s.join(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", q.Collection, err)
	}
	sub.Drain()

	remove := s.subs.Add(sub)
	var once sync.Once
	return func() {
		once.Do(func() {
			remove()
			s.leave(f, sub)
		})
	}, nil
}

// join adds sub to the feed of its collection, starting the feed when it
// is the first, and queues the current result for it.
func (s *Store) join(ctx context.Context, sub *document.Subscriber) (*feed, error) {
	collection := sub.Query.Collection
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()

	f, ok := s.feeds[collection]
	if !ok {
		var err error
		if f, err = s.startFeed(ctx, collection); err != nil {
			return nil, err
		}
		if s.feeds == nil {
			s.feeds = make(map[string]*feed)
		}
		s.feeds[collection] = f
	}
	f.add(sub)
	return f, nil
}

func (s *Store) leave(f *feed, sub *document.Subscriber) {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	if f.remove(sub) > 0 {
		return
	}
	if s.feeds[f.collection] == f {
		delete(s.feeds, f.collection)
	}
	s.stopFeed(f)
}

func (s *Store) startFeed(ctx context.Context, collection string) (*feed, error) {
	wctx, cancel := context.WithCancel(context.Background())
	w, err := s.kv.Watch(wctx, collection+".*")
	if err != nil {
		cancel()
		return nil, translate(err)
	}
	f := newFeed(collection)
	f.watcher, f.cancel = w, cancel
	if err := f.cache.loadInitial(ctx, w.Updates()); err != nil {
		_ = w.Stop()
		cancel()
		return nil, err
	}
	go func() {
		for e := range w.Updates() {
			if e == nil {
				continue
			}
			pending, err := f.apply(e)
			if err != nil {
				s.log.Warn().Err(err).Str("key", e.Key()).Msg("skipping entry")
				continue
			}
			for _, sub := range pending {
				sub.Drain()
			}
		}
	}()
	s.log.Debug().Str("collection", collection).Msg("collection feed started")
	return f, nil
}

func (s *Store) stopFeed(f *feed) {
	if f.watcher != nil {
		if err := f.watcher.Stop(); err != nil {
			s.log.Debug().Err(err).Msg("stop collection watcher")
		}
	}
	if f.cancel != nil {
		f.cancel()
	}
}

func (s *Store) track(sub *document.Subscriber, w jetstream.KeyWatcher, cancel context.CancelFunc) document.Unsubscribe {
	remove := s.subs.Add(sub)
	return func() {
		remove()
		if err := w.Stop(); err != nil {
			s.log.Debug().Err(err).Msg("stop watcher")
		}
		cancel()
	}
}

// Close drops local subscriptions and closes the connection when the
// Store opened it.
func (s *Store) Close() error {
	s.subs.CloseAll()
	s.feedsMu.Lock()
	for collection, f := range s.feeds {
		s.stopFeed(f)
		delete(s.feeds, collection)
	}
	s.feedsMu.Unlock()
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	return nil
}

func decodeEntry(key document.Key, e entry) (document.Document, error) {
	if e.Operation() != jetstream.KeyValuePut {
		return document.Document{Key: key, Fields: document.Fields{}, Revision: int64(e.Revision())}, nil
	}
	var env envelope
	if err := json.Unmarshal(e.Value(), &env); err != nil {
		return document.Document{}, fmt.Errorf("decode %s: %w", key, err)
	}
	if env.Fields == nil {
		env.Fields = document.Fields{}
	}
	return document.Document{
		Key:      key,
		Fields:   env.Fields,
		Exists:   true,
		Seq:      env.Seq,
		Revision: int64(e.Revision()),
	}, nil
}

func translate(err error) error {
	if errors.Is(err, nats.ErrPermissionViolation) || errors.Is(err, nats.ErrAuthorization) {
		return fmt.Errorf("%w: %v", document.ErrPermissionDenied, err)
	}
	return err
}
