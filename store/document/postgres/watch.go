package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/store/document"
)

const (
	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

// Open connects to PostgreSQL, applies the schema and starts a listener so
// that writes from other processes reach local subscribers.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewSQLStore(db, log)
	s.ownsDB = true
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	listener := pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			s.log.Warn().Err(err).Msg("listener disconnected")
		case pq.ListenerEventReconnected:
			s.log.Info().Msg("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			s.log.Warn().Err(err).Msg("listener connection attempt failed")
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	s.listener = listener
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.listen()

	s.log.Info().Str("channel", NotifyChannel).Msg("document store connected")
	return s, nil
}

func (s *Store) listen() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if n == nil {
				// nil marks a reconnect; notifications may have been lost.
				s.resync(ctx)
			} else {
				s.HandleNotification(ctx, n.Extra)
			}
			cancel()
		case <-time.After(pingInterval):
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.log.Warn().Err(err).Msg("listener ping failed")
				}
			}()
		}
	}
}

// HandleNotification dispatches one NOTIFY payload ("collection/id/revision")
// to the matching subscribers.
func (s *Store) HandleNotification(ctx context.Context, payload string) {
	key, revision, err := parsePayload(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("payload", payload).Msg("ignoring notification")
		return
	}
	s.publish(ctx, key, revision)
}

func (s *Store) publish(ctx context.Context, key document.Key, revision int64) {
	subs := s.subs.Matching(key)
	if len(subs) == 0 {
		return
	}

	doc, err := s.Get(ctx, key)
	fetched := err == nil || errors.Is(err, document.ErrNotFound)
	if !fetched {
		s.log.Error().Err(err).Str("key", key.String()).Msg("refresh subscription")
	}

	for _, sub := range subs {
		if sub.Query == nil {
			if fetched {
				sub.PushDoc(doc.Revision, doc)
			}
			continue
		}
		// without the document every query on the collection is refreshed
		if fetched && !sub.Concerns(key, doc) {
			continue
		}
		docs, err := s.Query(ctx, *sub.Query)
		if err != nil {
			s.log.Error().Err(err).Str("collection", key.Collection).Msg("refresh query subscription")
			continue
		}
		sub.PushDocs(revision, docs)
	}
	for _, sub := range subs {
		sub.Drain()
	}
}

func (s *Store) resync(ctx context.Context) {
	for _, sub := range s.subs.All() {
		if sub.Query != nil {
			docs, err := s.Query(ctx, *sub.Query)
			if err != nil {
				s.log.Error().Err(err).Msg("resync query subscription")
				continue
			}
			sub.PushDocs(maxRevision(docs), docs)
		} else {
			doc, err := s.Get(ctx, sub.Key)
			if err != nil && !errors.Is(err, document.ErrNotFound) {
				s.log.Error().Err(err).Msg("resync subscription")
				continue
			}
			sub.PushDoc(doc.Revision, doc)
		}
		sub.Drain()
	}
}

func (s *Store) Watch(ctx context.Context, key document.Key, fn func(document.Document)) (document.Unsubscribe, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	sub := document.NewKeySubscriber(key, fn)
	unsubscribe := s.subs.Add(sub)

	doc, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, document.ErrNotFound) {
		unsubscribe()
		return nil, err
	}
	sub.PushDoc(doc.Revision, doc)
	sub.Drain()
	return unsubscribe, nil
}

func (s *Store) WatchQuery(ctx context.Context, q document.Query, fn func([]document.Document)) (document.Unsubscribe, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sub := document.NewQuerySubscriber(q, fn)
	unsubscribe := s.subs.Add(sub)

	docs, err := s.Query(ctx, q)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	sub.PushDocs(maxRevision(docs), docs)
	sub.Drain()
	return unsubscribe, nil
}

// Close stops the listener, drops subscriptions and, when the Store opened
// the connection itself, closes it.
func (s *Store) Close() error {
	if s.listener != nil {
		close(s.stop)
		if err := s.listener.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close listener")
		}
		<-s.done
		s.listener = nil
	}
	s.subs.CloseAll()
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func parsePayload(payload string) (document.Key, int64, error) {
	i := strings.LastIndex(payload, "/")
	if i < 0 {
		return document.Key{}, 0, fmt.Errorf("malformed payload %q", payload)
	}
	revision, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return document.Key{}, 0, fmt.Errorf("malformed revision in %q: %w", payload, err)
	}
	key, err := document.ParseKey(payload[:i])
	if err != nil {
		return document.Key{}, 0, err
	}
	return key, revision, nil
}

func maxRevision(docs []document.Document) int64 {
	var max int64
	for _, d := range docs {
		if d.Revision > max {
			max = d.Revision
		}
	}
	return max
}
