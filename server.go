package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/internal/auth"
	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/messenger"
	"github.com/nexus-im/messenger/store/conversation"
	"github.com/nexus-im/messenger/store/document"
	"github.com/nexus-im/messenger/store/message"
	"github.com/nexus-im/messenger/store/presence"
	"github.com/nexus-im/messenger/store/social"
	"github.com/nexus-im/messenger/store/user"
)

type serverConfig struct {
	store      document.Store
	auth       *auth.Authenticator
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	log        zerolog.Logger
	heartbeat  time.Duration
	staleAfter time.Duration
}

// server wires the messenger core to HTTP and websocket clients.
type server struct {
	auth     *auth.Authenticator
	users    *user.Store
	svc      messenger.Services
	gatherer prometheus.Gatherer
	hub      *hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func newServer(cfg serverConfig) *server {
	dir := conversation.NewDirectory(cfg.store, cfg.log)
	users := user.NewStore(cfg.store, cfg.log)
	h := newHub(cfg.log)
	go h.run()

	return &server{
		auth:     cfg.auth,
		users:    users,
		gatherer: cfg.gatherer,
		hub:      h,
		log:      cfg.log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		svc: messenger.Services{
			Presence: presence.NewTracker(cfg.store, cfg.log, presence.Options{
				Heartbeat:  cfg.heartbeat,
				StaleAfter: cfg.staleAfter,
				Metrics:    cfg.metrics,
			}),
			Graph:     social.NewGraph(cfg.store, cfg.log, cfg.metrics),
			Directory: dir,
			Channel:   message.NewChannel(cfg.store, dir, cfg.log, cfg.metrics),
			Profiles:  users,
			Metrics:   cfg.metrics,
		},
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/ws", s.serveWs)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.log.Warn().Err(err).Msg("health check write error")
		}
	})
	return mux
}

type credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return credentials{}, false
	}
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return credentials{}, false
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return credentials{}, false
	}
	return req, true
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	profile, err := s.users.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	switch {
	case errors.Is(err, user.ErrDuplicateUsername):
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	case errors.Is(err, user.ErrInvalidUsername):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error().Err(err).Msg("error creating user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusCreated, profile)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	profile, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, user.ErrInvalidCredentials) || errors.Is(err, user.ErrUserNotFound) {
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		s.log.Error().Err(err).Msg("error authenticating user")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	token, err := s.auth.GenerateToken(profile.ID, profile.Username, profile.DisplayName)
	if err != nil {
		s.log.Error().Err(err).Msg("error generating token")
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(s.auth.Validity().Seconds()),
		"user":       profile,
	})
}

// handleConversations lists the caller's conversations (GET) or finds or
// creates the one with user_id (POST).
func (s *server) handleConversations(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		list, err := s.svc.Directory.List(r.Context(), claims.UserID)
		if err != nil {
			s.log.Error().Err(err).Msg("error listing conversations")
			http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		convo, created, err := s.svc.Directory.FindOrCreate(r.Context(), nil, claims.UserID, req.UserID)
		if err != nil {
			if errors.Is(err, conversation.ErrSelfConversation) || errors.Is(err, conversation.ErrInvalidParticipant) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.log.Error().Err(err).Msg("error creating conversation")
			http.Error(w, "Failed to create conversation", http.StatusInternalServerError)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		s.writeJSON(w, status, map[string]any{
			"conversation_id": convo.ID,
			"created":         created,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response write error")
	}
}
