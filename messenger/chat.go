package messenger

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nexus-im/messenger/store/conversation"
	"github.com/nexus-im/messenger/store/message"
)

// readyLocked checks that the conversation list is loaded.
func (s *Session) readyLocked() error {
	switch s.state {
	case StateIdle, StateConversationOpen:
		return nil
	case StateLoading:
		return ErrNotReady
	default:
		return ErrSessionClosed
	}
}

func (s *Session) hasConversationLocked(id string) bool {
	return slices.ContainsFunc(s.conversations, func(c conversation.Conversation) bool {
		return c.ID == id
	})
}

// Select opens a conversation and streams its messages, replacing the
// channel of any conversation open before.
func (s *Session) Select(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.hasConversationLocked(conversationID) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoConversation, conversationID)
	}
	gen, live := s.gen, s.ctx
	if s.active != conversationID {
		s.draft = ""
	}
	s.active = conversationID
	s.messages = nil
	s.transitionLocked(StateConversationOpen)
	s.mu.Unlock()

	s.emit(Event{Kind: EventState, State: StateConversationOpen, ConversationID: conversationID})

	unsubscribe, err := s.svc.Channel.Subscribe(live, conversationID, func(m message.Message) {
		s.onMessage(gen, conversationID, m)
	})
	if err != nil {
		s.mu.Lock()
		reverted := s.gen == gen && s.active == conversationID
		if reverted {
			s.active = ""
			s.transitionLocked(StateIdle)
		}
		s.mu.Unlock()
		if reverted {
			s.emit(Event{Kind: EventState, State: StateIdle})
		}
		s.notifyFailure(err, "Failed to load messages")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.active != conversationID {
		unsubscribe()
		return nil
	}
	s.registry.Add(channelKey, unsubscribe)
	return nil
}

// Back closes the open conversation and returns to the list.
func (s *Session) Back() error {
	s.mu.Lock()
	if s.state != StateConversationOpen {
		s.mu.Unlock()
		return ErrNoConversation
	}
	s.active = ""
	s.messages = nil
	s.draft = ""
	s.transitionLocked(StateIdle)
	s.mu.Unlock()

	s.registry.Remove(channelKey)
	s.emit(Event{Kind: EventState, State: StateIdle})
	return nil
}

// StartConversation opens the conversation with userID, creating it when
// the pair has none yet.
func (s *Session) StartConversation(ctx context.Context, userID string) (conversation.Conversation, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return conversation.Conversation{}, err
	}
	loaded := slices.Clone(s.conversations)
	gen, live := s.gen, s.ctx
	s.mu.Unlock()

	c, created, err := s.svc.Directory.FindOrCreate(ctx, loaded, s.identity.ID, userID)
	if err != nil {
		s.notifyFailure(err, "Failed to start conversation")
		return conversation.Conversation{}, err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return conversation.Conversation{}, ErrSessionClosed
	}
	if !s.hasConversationLocked(c.ID) {
		s.conversations = append([]conversation.Conversation{c}, s.conversations...)
	}
	s.mu.Unlock()

	s.attachCounterpart(live, gen, userID)

	s.mu.Lock()
	entries := s.entriesLocked()
	s.mu.Unlock()
	s.emit(Event{Kind: EventConversations, Conversations: entries})

	if created {
		s.log.Debug().Str("conversation_id", c.ID).Str("counterpart_id", userID).Msg("new conversation")
	}
	return c, s.Select(ctx, c.ID)
}

func (s *Session) onMessage(gen uint64, conversationID string, m message.Message) {
	s.mu.Lock()
	if s.gen != gen || s.active != conversationID {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	s.emit(Event{Kind: EventMessage, ConversationID: conversationID, Message: &m})
	s.emit(Event{Kind: EventScroll, ConversationID: conversationID})
}

func (s *Session) activeConversation() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return "", ErrSessionClosed
	}
	if s.state != StateConversationOpen {
		return "", ErrNoConversation
	}
	return s.active, nil
}

// Send posts text to the open conversation. The draft is cleared only
// when the send succeeds.
func (s *Session) Send(ctx context.Context, text string) error {
	conversationID, err := s.activeConversation()
	if err != nil {
		return err
	}
	if _, err := s.svc.Channel.Send(ctx, conversationID, s.identity.ID, text); err != nil {
		if !errors.Is(err, message.ErrEmptyMessage) {
			s.notifyFailure(err, "Failed to send message")
		}
		return err
	}

	s.mu.Lock()
	if s.active == conversationID {
		s.draft = ""
	}
	s.mu.Unlock()
	return nil
}

// React sends a quick reaction to the open conversation.
func (s *Session) React(ctx context.Context, emoji string) error {
	conversationID, err := s.activeConversation()
	if err != nil {
		return err
	}
	if _, err := s.svc.Channel.React(ctx, conversationID, s.identity.ID, emoji); err != nil {
		if !errors.Is(err, message.ErrUnknownReaction) {
			s.notifyFailure(err, "Failed to send message")
		}
		return err
	}
	return nil
}

// SetDraft updates the text being composed and keeps the view scrolled to
// the input.
func (s *Session) SetDraft(text string) error {
	s.mu.Lock()
	if s.state != StateConversationOpen {
		s.mu.Unlock()
		return ErrNoConversation
	}
	s.draft = text
	conversationID := s.active
	s.mu.Unlock()

	s.emit(Event{Kind: EventScroll, ConversationID: conversationID})
	return nil
}

// Draft returns the text being composed.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// ActiveConversation returns the id of the open conversation, if any.
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns the messages of the open conversation.
func (s *Session) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}
