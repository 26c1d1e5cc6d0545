package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session is one logged-in browser. UpstreamToken is the CRUD API bearer
// token obtained at login; it is never returned to the browser.
type Session struct {
	ID            uuid.UUID       `json:"id"`
	Subject       string          `json:"subject"`
	UpstreamToken string          `json:"-"`
	User          json.RawMessage `json:"user,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	RefreshedAt   time.Time       `json:"refreshed_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      json.RawMessage `json:"user,omitempty"`
}
