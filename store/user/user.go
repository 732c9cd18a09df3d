// Package user stores profiles and login credentials.
package user

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexus-im/messenger/store/document"
)

const (
	ProfileCollection    = "users"
	CredentialCollection = "credentials"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrInvalidUsername    = errors.New("username must be 3-32 lowercase letters, digits or underscores")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// Profile is the public face of a user.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Store reads profiles and manages credentials.
type Store struct {
	store document.Store
	log   zerolog.Logger
	cost  int
}

// NewStore creates a Store on top of store.
func NewStore(store document.Store, log zerolog.Logger) *Store {
	return &Store{
		store: store,
		log:   log.With().Str("component", "user").Logger(),
		cost:  bcrypt.DefaultCost,
	}
}

// NormalizeUsername lowercases and trims a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Profile looks up a user by id. Documents that only carry follow sets
// have no profile and report ErrUserNotFound.
func (s *Store) Profile(ctx context.Context, id string) (Profile, error) {
	doc, err := s.store.Get(ctx, document.K(ProfileCollection, id))
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return Profile{}, ErrUserNotFound
		}
		return Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	if doc.Fields.String("displayName") == "" {
		return Profile{}, ErrUserNotFound
	}
	return Profile{
		ID:          id,
		Username:    doc.Fields.String("username"),
		DisplayName: doc.Fields.String("displayName"),
		AvatarURL:   doc.Fields.String("avatarUrl"),
	}, nil
}

// UpdateProfile changes the display name and avatar of a user.
func (s *Store) UpdateProfile(ctx context.Context, p Profile) error {
	if strings.TrimSpace(p.DisplayName) == "" {
		return fmt.Errorf("update profile %s: display name is empty", p.ID)
	}
	if _, err := s.store.Merge(ctx, document.K(ProfileCollection, p.ID), document.Fields{
		"displayName": strings.TrimSpace(p.DisplayName),
		"avatarUrl":   p.AvatarURL,
	}); err != nil {
		return fmt.Errorf("update profile %s: %w", p.ID, err)
	}
	return nil
}

// Register creates credentials and a profile. The display name defaults to
// the username.
func (s *Store) Register(ctx context.Context, username, password, displayName string) (Profile, error) {
	username = NormalizeUsername(username)
	if !usernamePattern.MatchString(username) {
		return Profile{}, ErrInvalidUsername
	}
	if password == "" {
		return Profile{}, fmt.Errorf("register %s: password is empty", username)
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = username
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Profile{}, fmt.Errorf("hash password: %w", err)
	}

	id := uuid.NewString()
	if _, err := s.store.Create(ctx, document.K(CredentialCollection, username), document.Fields{
		"userId":       id,
		"passwordHash": string(hashed),
	}); err != nil {
		if errors.Is(err, document.ErrAlreadyExists) {
			return Profile{}, ErrDuplicateUsername
		}
		return Profile{}, fmt.Errorf("register %s: %w", username, err)
	}

	profile := Profile{ID: id, Username: username, DisplayName: strings.TrimSpace(displayName)}
	if _, err := s.store.Merge(ctx, document.K(ProfileCollection, id), document.Fields{
		"username":    profile.Username,
		"displayName": profile.DisplayName,
		"avatarUrl":   profile.AvatarURL,
	}); err != nil {
		return Profile{}, fmt.Errorf("create profile %s: %w", username, err)
	}

	s.log.Info().Str("user_id", id).Str("username", username).Msg("user registered")
	return profile, nil
}

// Authenticate checks a username and password and returns the profile.
func (s *Store) Authenticate(ctx context.Context, username, password string) (Profile, error) {
	username = NormalizeUsername(username)
	if !usernamePattern.MatchString(username) {
		return Profile{}, ErrInvalidCredentials
	}
	doc, err := s.store.Get(ctx, document.K(CredentialCollection, username))
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return Profile{}, ErrInvalidCredentials
		}
		return Profile{}, fmt.Errorf("authenticate %s: %w", username, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(doc.Fields.String("passwordHash")), []byte(password)); err != nil {
		return Profile{}, ErrInvalidCredentials
	}
	return s.Profile(ctx, doc.Fields.String("userId"))
}
