// Package conversation keeps the directory of one-to-one conversations.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/store/document"
)

// Directory lists, watches and creates conversations.
type Directory struct {
	store document.Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewDirectory creates a Directory on top of store.
func NewDirectory(store document.Store, log zerolog.Logger) *Directory {
	return &Directory{
		store: store,
		log:   log.With().Str("component", "conversation").Logger(),
		now:   time.Now,
	}
}

func participantQuery(userID string) document.Query {
	return document.From(Collection).Where("participants", document.ArrayContains, userID)
}

func fromDocuments(docs []document.Document) []Conversation {
	out := make([]Conversation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDocument(doc))
	}
	Sort(out)
	return out
}

// List returns the conversations userID takes part in, in display order.
func (d *Directory) List(ctx context.Context, userID string) ([]Conversation, error) {
	docs, err := d.store.Query(ctx, participantQuery(userID))
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}
	return fromDocuments(docs), nil
}

// Get loads one conversation.
func (d *Directory) Get(ctx context.Context, id string) (Conversation, error) {
	doc, err := d.store.Get(ctx, key(id))
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return fromDocument(doc), nil
}

// Subscribe calls fn with the display-ordered list for userID now and
// after every conversation change.
func (d *Directory) Subscribe(ctx context.Context, userID string, fn func([]Conversation)) (document.Unsubscribe, error) {
	unsubscribe, err := d.store.WatchQuery(ctx, participantQuery(userID), func(docs []document.Document) {
		fn(fromDocuments(docs))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe conversations of %s: %w", userID, err)
	}
	return unsubscribe, nil
}

// FindOrCreate returns the conversation between a and b. The caller's
// loaded list is searched first. Otherwise the pair's conversation is
// created under its derived id; when another client created it first, the
// stored record is returned and created is false.
func (d *Directory) FindOrCreate(ctx context.Context, loaded []Conversation, a, b string) (Conversation, bool, error) {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return Conversation{}, false, ErrInvalidParticipant
	}
	if a == b {
		return Conversation{}, false, ErrSelfConversation
	}
	for _, c := range loaded {
		if c.Has(a, b) {
			return c, false, nil
		}
	}

	id := PairID(a, b)
	doc, err := d.store.Create(ctx, key(id), document.Fields{
		"participants": []string{a, b},
		"createdAt":    d.now().UnixMilli(),
	})
	switch {
	case err == nil:
		d.log.Info().Str("conversation_id", id).Str("user_id", a).Str("counterpart_id", b).Msg("conversation created")
		return fromDocument(doc), true, nil
	case errors.Is(err, document.ErrAlreadyExists):
		existing, err := d.Get(ctx, id)
		if err != nil {
			return Conversation{}, false, err
		}
		return existing, false, nil
	default:
		return Conversation{}, false, fmt.Errorf("create conversation %s: %w", id, err)
	}
}

// Touch records the latest message on the conversation.
func (d *Directory) Touch(ctx context.Context, id, text string, at time.Time) error {
	if _, err := d.store.Merge(ctx, key(id), document.Fields{
		"lastMessage":     text,
		"lastMessageTime": at.UnixMilli(),
	}); err != nil {
		return fmt.Errorf("update conversation %s: %w", id, err)
	}
	return nil
}
