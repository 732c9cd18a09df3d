package conversation

import (
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-im/messenger/store/document"
)

// Collection holds one document per conversation.
const Collection = "conversations"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("conversation needs two distinct participants")
	ErrInvalidParticipant   = errors.New("conversation participant id is empty")
)

// pairNamespace scopes the name-based ids derived from participant pairs.
var pairNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:nexus-im:conversation"))

// Conversation represents a one-to-one chat thread.
type Conversation struct {
	ID              string    `json:"id"`
	Participants    []string  `json:"participants"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	CreatedAt       time.Time `json:"createdAt"`
	Seq             int64     `json:"-"`
}

// Has reports whether the conversation is between a and b, in any order.
func (c Conversation) Has(a, b string) bool {
	if len(c.Participants) != 2 {
		return false
	}
	p, q := c.Participants[0], c.Participants[1]
	return (p == a && q == b) || (p == b && q == a)
}

// Counterpart returns the participant that is not userID.
func (c Conversation) Counterpart(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// HasMessages reports whether anything was sent yet.
func (c Conversation) HasMessages() bool {
	return !c.LastMessageTime.IsZero()
}

// PairID returns the id every client derives for the pair a, b.
func PairID(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	return uuid.NewSHA1(pairNamespace, []byte(pair[0]+"\x00"+pair[1])).String()
}

// Sort orders conversations most recent message first. Conversations
// without messages follow, oldest first.
func Sort(convos []Conversation) {
	sort.SliceStable(convos, func(i, j int) bool {
		a, b := convos[i], convos[j]
		switch {
		case a.HasMessages() && b.HasMessages():
			if !a.LastMessageTime.Equal(b.LastMessageTime) {
				return a.LastMessageTime.After(b.LastMessageTime)
			}
			return a.Seq < b.Seq
		case a.HasMessages() != b.HasMessages():
			return a.HasMessages()
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.Seq < b.Seq
		}
	})
}

func key(id string) document.Key {
	return document.K(Collection, id)
}

func fromDocument(doc document.Document) Conversation {
	c := Conversation{
		ID:           doc.Key.ID,
		Participants: doc.Fields.Strings("participants"),
		LastMessage:  doc.Fields.String("lastMessage"),
		Seq:          doc.Seq,
	}
	if ms := doc.Fields.Int64("lastMessageTime"); ms > 0 {
		c.LastMessageTime = time.UnixMilli(ms)
	}
	if ms := doc.Fields.Int64("createdAt"); ms > 0 {
		c.CreatedAt = time.UnixMilli(ms)
	}
	return c
}
