package messenger

import (
	"time"

	"github.com/nexus-im/messenger/store/message"
	"github.com/nexus-im/messenger/store/presence"
	"github.com/nexus-im/messenger/store/social"
	"github.com/nexus-im/messenger/store/user"
)

// ToastKind classifies a notification.
type ToastKind string

const (
	ToastSuccess ToastKind = "success"
	ToastInfo    ToastKind = "info"
	ToastError   ToastKind = "error"
)

// Toast is a short user-facing notification.
type Toast struct {
	Kind ToastKind `json:"kind"`
	Text string    `json:"text"`
}

// Notifier receives toasts.
type Notifier interface {
	Notify(Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Toast)

func (f NotifierFunc) Notify(t Toast) { f(t) }

// EventKind names what changed in a session.
type EventKind string

const (
	EventState         EventKind = "state"
	EventConversations EventKind = "conversations"
	EventMessage       EventKind = "message"
	EventRelation      EventKind = "relation"
	EventPresence      EventKind = "presence"
	EventScroll        EventKind = "scroll"
)

// Event is one UI update published by a session.
type Event struct {
	Kind           EventKind        `json:"type"`
	State          State            `json:"state,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Conversations  []Entry          `json:"conversations,omitempty"`
	Message        *message.Message `json:"message,omitempty"`
	Relation       *Relation        `json:"relation,omitempty"`
	Presence       *PresenceView    `json:"presence,omitempty"`
}

// Observer receives session events. It is called without session locks
// held and may call back into the session.
type Observer func(Event)

// PresenceView is a presence record with its rendered status line.
type PresenceView struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
	Status   string    `json:"status"`
}

func viewPresence(p presence.Presence, now time.Time) PresenceView {
	return PresenceView{
		UserID:   p.UserID,
		IsOnline: p.IsOnline,
		LastSeen: p.LastSeen,
		Status:   presence.Describe(p, now),
	}
}

// Relation is the follow state between the session user and UserID as the
// session currently shows it.
type Relation struct {
	UserID    string        `json:"userId"`
	Phase     Phase         `json:"phase"`
	Following bool          `json:"following"`
	Counts    social.Counts `json:"counts"`
}

// Entry is one row of the conversation list.
type Entry struct {
	ID              string       `json:"id"`
	Counterpart     user.Profile `json:"counterpart"`
	Placeholder     bool         `json:"placeholder,omitempty"`
	LastMessage     string       `json:"lastMessage,omitempty"`
	LastMessageTime time.Time    `json:"lastMessageTime"`
	Presence        PresenceView `json:"presence"`
	Relation        Relation     `json:"relation"`
}
