package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/messenger"
	"github.com/nexus-im/messenger/store/conversation"
	"github.com/nexus-im/messenger/store/document"
	"github.com/nexus-im/messenger/store/message"
	"github.com/nexus-im/messenger/store/social"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
	closeTimeout   = 5 * time.Second
)

// frame is the envelope of every websocket message in both directions.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type command struct {
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Text           string `json:"text,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client connects one websocket to one messenger session.
type client struct {
	hub     *hub
	conn    *websocket.Conn
	session *messenger.Session
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *server) serveWs(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		hub:    s.hub,
		conn:   conn,
		log:    s.log.With().Str("user_id", claims.UserID).Logger(),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	c.session = messenger.NewSession(
		messenger.Identity{ID: claims.UserID, DisplayName: claims.DisplayName},
		s.svc,
		messenger.Options{
			Notifier: messenger.NotifierFunc(c.toast),
			Observer: c.event,
			Log:      s.log,
		},
	)

	if !s.hub.add(c) {
		c.kick()
		return
	}
	go c.writePump()
	go func() {
		defer s.hub.remove(c)
		c.readPump()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.session.Close(ctx); err != nil {
			c.log.Warn().Err(err).Msg("close session")
		}
	}()
}

// kick closes the connection. Both pumps exit afterwards.
func (c *client) kick() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *client) readPump() {
	defer c.kick()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.writeError("", "INVALID_ARGUMENT", "invalid frame payload")
			continue
		}
		c.handle(f)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.kick()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) handle(f frame) {
	var cmd command
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &cmd); err != nil {
			c.writeError(f.RequestID, "INVALID_ARGUMENT", "invalid command payload")
			return
		}
	}

	ctx := c.ctx
	s := c.session
	var err error
	switch f.Type {
	case "open":
		err = s.Open(ctx)
	case "select":
		err = s.Select(ctx, cmd.ConversationID)
	case "back":
		err = s.Back()
	case "start":
		_, err = s.StartConversation(ctx, cmd.UserID)
	case "send":
		err = s.Send(ctx, cmd.Text)
	case "react":
		err = s.React(ctx, cmd.Emoji)
	case "draft":
		err = s.SetDraft(cmd.Text)
	case "follow":
		err = s.Follow(ctx, cmd.UserID)
	case "unfollow":
		err = s.Unfollow(ctx, cmd.UserID)
	case "toggle":
		err = s.ToggleFollow(ctx, cmd.UserID)
	case "close":
		err = s.Close(ctx)
	default:
		c.writeError(f.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		return
	}
	if err != nil {
		c.writeError(f.RequestID, errorCode(err), err.Error())
		return
	}
	c.write(frame{Type: "ack", RequestID: f.RequestID})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, document.ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, messenger.ErrSessionClosed):
		return "FAILED_PRECONDITION"
	case errors.Is(err, messenger.ErrNotReady):
		return "UNAVAILABLE"
	case errors.Is(err, messenger.ErrNoConversation):
		return "NOT_FOUND"
	case errors.Is(err, message.ErrEmptyMessage),
		errors.Is(err, message.ErrUnknownReaction),
		errors.Is(err, social.ErrSelfFollow),
		errors.Is(err, conversation.ErrSelfConversation),
		errors.Is(err, conversation.ErrInvalidParticipant):
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL"
	}
}

func (c *client) event(ev messenger.Event) {
	c.writePayload(string(ev.Kind), ev)
}

func (c *client) toast(t messenger.Toast) {
	c.writePayload("toast", t)
}

func (c *client) writeError(requestID, code, msg string) {
	payload, _ := json.Marshal(errorPayload{Code: code, Message: msg})
	c.write(frame{Type: "error", RequestID: requestID, Payload: payload})
}

func (c *client) writePayload(kind string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Str("type", kind).Msg("failed to marshal websocket frame payload")
		return
	}
	c.write(frame{Type: kind, Payload: payload})
}

// write queues f. A client that cannot keep up is disconnected rather than
// stalling the store callbacks that feed it.
func (c *client) write(f frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal websocket frame")
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- raw:
	default:
		c.log.Warn().Msg("send buffer full, disconnecting")
		c.kick()
	}
}
