package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/messenger/internal/auth"
	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/store/document"
	"github.com/nexus-im/messenger/store/user"
)

type testGateway struct {
	srv  *server
	http *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv := newServer(serverConfig{
		store:    document.NewMemory(),
		auth:     auth.NewAuthenticator("test-secret", "nexus-test", time.Hour),
		metrics:  metrics.New(reg),
		gatherer: reg,
		log:      zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.hub.shutdown(ctx))
	})
	return &testGateway{srv: srv, http: ts}
}

func (g *testGateway) post(t *testing.T, path string, body any, token string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, g.http.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (g *testGateway) register(t *testing.T, username, displayName string) user.Profile {
	t.Helper()
	resp := g.post(t, "/api/register", credentials{Username: username, Password: "secret-pass", DisplayName: displayName}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p user.Profile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func (g *testGateway) login(t *testing.T, username string) string {
	t.Helper()
	resp := g.post(t, "/api/login", credentials{Username: username, Password: "secret-pass"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Token     string       `json:"token"`
		ExpiresIn int          `json:"expires_in"`
		User      user.Profile `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	assert.Equal(t, 3600, out.ExpiresIn)
	return out.Token
}

func (g *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, requestID string, payload any) {
	t.Helper()
	f := frame{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		f.Payload = raw
	}
	require.NoError(t, conn.WriteJSON(f))
}

// readUntil reads frames until match returns true and returns every frame
// read on the way.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) []frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var seen []frame
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		seen = append(seen, f)
		if match(f) {
			return seen
		}
	}
}

func replyTo(requestID string) func(frame) bool {
	return func(f frame) bool {
		return f.RequestID == requestID && (f.Type == "ack" || f.Type == "error")
	}
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestRegisterAndLogin(t *testing.T) {
	g := newTestGateway(t)

	p := g.register(t, "alice", "Alice")
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Alice", p.DisplayName)

	resp := g.post(t, "/api/register", credentials{Username: "alice", Password: "other-pass"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = g.post(t, "/api/register", credentials{Username: "A!", Password: "secret-pass"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = g.post(t, "/api/login", credentials{Username: "alice", Password: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := g.login(t, "alice")
	claims, err := g.srv.auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, p.ID, claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)
}

func TestConversationsEndpoint(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, "alice", "Alice")
	bob := g.register(t, "bob", "Bob")
	token := g.login(t, "alice")

	resp := g.post(t, "/api/conversations", map[string]string{"user_id": bob.ID}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = g.post(t, "/api/conversations", map[string]string{"user_id": bob.ID}, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first struct {
		ConversationID string `json:"conversation_id"`
		Created        bool   `json:"created"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	assert.True(t, first.Created)

	resp = g.post(t, "/api/conversations", map[string]string{"user_id": bob.ID}, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second struct {
		ConversationID string `json:"conversation_id"`
		Created        bool   `json:"created"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	assert.False(t, second.Created)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	resp = g.post(t, "/api/conversations", map[string]string{"user_id": "  "}, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketRequiresToken(t *testing.T) {
	g := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketSession(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, "alice", "Alice")
	bob := g.register(t, "bob", "Bob")
	conn := g.dial(t, g.login(t, "alice"))

	send(t, conn, "send", "0", map[string]string{"text": "too early"})
	frames := readUntil(t, conn, replyTo("0"))
	last := frames[len(frames)-1]
	require.Equal(t, "error", last.Type)
	var e errorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &e))
	assert.Equal(t, "FAILED_PRECONDITION", e.Code)

	send(t, conn, "open", "1", nil)
	frames = readUntil(t, conn, replyTo("1"))
	assert.Equal(t, "ack", frames[len(frames)-1].Type)

	send(t, conn, "start", "2", map[string]string{"userId": bob.ID})
	frames = readUntil(t, conn, replyTo("2"))
	assert.Equal(t, "ack", frames[len(frames)-1].Type)

	send(t, conn, "send", "3", map[string]string{"text": "  hello  "})
	frames = readUntil(t, conn, replyTo("3"))
	require.Equal(t, "ack", frames[len(frames)-1].Type)

	var texts []string
	for _, f := range frames {
		if f.Type != "message" {
			continue
		}
		var ev struct {
			Message struct {
				Text     string `json:"text"`
				SenderID string `json:"senderId"`
			} `json:"message"`
		}
		require.NoError(t, json.Unmarshal(f.Payload, &ev))
		texts = append(texts, ev.Message.Text)
	}
	assert.Equal(t, []string{"hello"}, texts)

	send(t, conn, "send", "4", map[string]string{"text": "   "})
	frames = readUntil(t, conn, replyTo("4"))
	last = frames[len(frames)-1]
	require.Equal(t, "error", last.Type)
	require.NoError(t, json.Unmarshal(last.Payload, &e))
	assert.Equal(t, "INVALID_ARGUMENT", e.Code)

	send(t, conn, "teleport", "5", nil)
	frames = readUntil(t, conn, replyTo("5"))
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, &e))
	assert.Equal(t, "INVALID_ARGUMENT", e.Code)

	send(t, conn, "start", "6", map[string]string{"userId": " "})
	frames = readUntil(t, conn, replyTo("6"))
	last = frames[len(frames)-1]
	require.Equal(t, "error", last.Type)
	require.NoError(t, json.Unmarshal(last.Payload, &e))
	assert.Equal(t, "INVALID_ARGUMENT", e.Code)

	send(t, conn, "follow", "7", map[string]string{"userId": bob.ID})
	frames = readUntil(t, conn, replyTo("7"))
	assert.Equal(t, "ack", frames[len(frames)-1].Type)

	var toasts []string
	for _, f := range frames {
		if f.Type == "toast" {
			var toast struct {
				Text string `json:"text"`
			}
			require.NoError(t, json.Unmarshal(f.Payload, &toast))
			toasts = append(toasts, toast.Text)
		}
	}
	assert.Contains(t, toasts, "Followed Bob successfully!")
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t)
	g.register(t, "alice", "Alice")
	conn := g.dial(t, g.login(t, "alice"))
	send(t, conn, "open", "1", nil)
	readUntil(t, conn, replyTo("1"))

	resp, err := http.Get(g.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "messenger_active_sessions 1")
	assert.Contains(t, string(body), "messenger_presence_writes_total")
}
