// Package message implements the append-only message channel of a
// conversation.
package message

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/store/conversation"
	"github.com/nexus-im/messenger/store/document"
)

// Collection holds every message of every conversation.
const Collection = "messages"

var (
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrUnknownReaction = errors.New("not a quick reaction")
)

// QuickReactions are the one-tap replies offered under a conversation.
var QuickReactions = []string{"👍", "❤️", "😂", "😮", "😢", "🙏"}

// IsQuickReaction reports whether emoji is one of QuickReactions.
func IsQuickReaction(emoji string) bool {
	return slices.Contains(QuickReactions, emoji)
}

// Message is one immutable entry of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

func fromDocument(doc document.Document) Message {
	return Message{
		ID:             doc.Key.ID,
		ConversationID: doc.Fields.String("conversationId"),
		SenderID:       doc.Fields.String("senderId"),
		Text:           doc.Fields.String("text"),
		CreatedAt:      time.UnixMilli(doc.Fields.Int64("createdAt")),
	}
}

func channelQuery(conversationID string) document.Query {
	return document.From(Collection).
		Where("conversationId", document.Equal, conversationID).
		Order("createdAt", false)
}

// Channel appends and streams messages.
type Channel struct {
	store     document.Store
	directory *conversation.Directory
	log       zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewChannel creates a Channel. The directory receives the last message
// summary of every send.
func NewChannel(store document.Store, directory *conversation.Directory, log zerolog.Logger, m *metrics.Metrics) *Channel {
	return &Channel{
		store:     store,
		directory: directory,
		log:       log.With().Str("component", "message").Logger(),
		metrics:   m,
		now:       time.Now,
	}
}

// Send trims text, appends it to the conversation and updates the
// conversation summary.
func (c *Channel) Send(ctx context.Context, conversationID, senderID, text string) (Message, error) {
	return c.send(ctx, "text", conversationID, senderID, text)
}

// React sends one of QuickReactions as an ordinary message.
func (c *Channel) React(ctx context.Context, conversationID, senderID, emoji string) (Message, error) {
	if !IsQuickReaction(emoji) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownReaction, emoji)
	}
	return c.send(ctx, "reaction", conversationID, senderID, emoji)
}

func (c *Channel) send(ctx context.Context, kind, conversationID, senderID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	at := c.now()
	doc, err := c.store.Add(ctx, Collection, document.Fields{
		"conversationId": conversationID,
		"senderId":       senderID,
		"text":           text,
		"createdAt":      at.UnixMilli(),
	})
	c.metrics.RecordMessage(kind, err)
	if err != nil {
		c.log.Error().Err(err).Str("conversation_id", conversationID).Msg("send failed")
		return Message{}, fmt.Errorf("send to %s: %w", conversationID, err)
	}

	// The message is stored; a stale summary must not make the caller resend.
	if err := c.directory.Touch(ctx, conversationID, text, at); err != nil {
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("conversation summary not updated")
	}
	return fromDocument(doc), nil
}

// History returns the messages of a conversation in creation order.
func (c *Channel) History(ctx context.Context, conversationID string) ([]Message, error) {
	docs, err := c.store.Query(ctx, channelQuery(conversationID))
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", conversationID, err)
	}
	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDocument(doc))
	}
	return out, nil
}

// Subscribe replays the conversation and then calls fn once for every new
// message, in creation order. Only the position of the last delivered
// message is kept; results are ordered by createdAt, then sequence.
func (c *Channel) Subscribe(ctx context.Context, conversationID string, fn func(Message)) (document.Unsubscribe, error) {
	var cur cursor
	unsubscribe, err := c.store.WatchQuery(ctx, channelQuery(conversationID), func(docs []document.Document) {
		for _, doc := range docs {
			if !cur.advance(doc) {
				continue
			}
			fn(fromDocument(doc))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", conversationID, err)
	}
	return unsubscribe, nil
}

// cursor is the (createdAt, seq) position of the last delivered message.
type cursor struct {
	started bool
	at      int64
	seq     int64
}

// advance moves past doc and reports whether doc lies after the cursor.
func (c *cursor) advance(doc document.Document) bool {
	at := doc.Fields.Int64("createdAt")
	if c.started && (at < c.at || (at == c.at && doc.Seq <= c.seq)) {
		return false
	}
	c.started, c.at, c.seq = true, at, doc.Seq
	return true
}
