package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicdesk/internal/platform/auth"
	"github.com/ehr/clinicdesk/internal/platform/upstream"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrSessionExpired     = errors.New("session expired")
	ErrRefreshUnavailable = errors.New("token refresh unavailable")
)

// AuthAPI is the upstream login/refresh surface.
type AuthAPI interface {
	Login(ctx context.Context, creds upstream.Credentials) (*upstream.AuthResult, error)
	Refresh(ctx context.Context) (*upstream.AuthResult, error)
}

// EndFunc is called after a session ends, so state keyed by it can be
// dropped.
type EndFunc func(sessionID string)

// StartFunc is called after a login with a context carrying the new
// session's upstream token. It must not block.
type StartFunc func(ctx context.Context)

// Service is the authentication state of the application. It is built once
// in main, hydrated from the repository at startup and cleared on logout.
// Live sessions are served from memory; the repository is written through.
type Service struct {
	repo   Repository
	api    AuthAPI
	issuer *auth.TokenIssuer
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	live    map[string]*Session
	onEnd   []EndFunc
	onStart []StartFunc
	closed  bool
}

func NewService(repo Repository, api AuthAPI, issuer *auth.TokenIssuer, ttl time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		api:    api,
		issuer: issuer,
		ttl:    ttl,
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
		live:   make(map[string]*Session),
	}
}

// OnEnd registers a callback run after logout, failed refresh or expiry.
func (s *Service) OnEnd(fn EndFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnd = append(s.onEnd, fn)
}

// OnStart registers a callback run after each successful login.
func (s *Service) OnStart(fn StartFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStart = append(s.onStart, fn)
}

// Hydrate loads unexpired sessions from the repository and purges expired
// ones. It returns the number of sessions loaded.
func (s *Service) Hydrate(ctx context.Context) (int, error) {
	now := s.now()
	if n, err := s.repo.DeleteExpired(ctx, now); err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	} else if n > 0 {
		s.logger.Info().Int64("count", n).Msg("purged expired sessions")
	}

	sessions, err := s.repo.ListActive(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		s.live[sess.ID.String()] = sess
	}
	return len(sessions), nil
}

// Login authenticates against the CRUD API and opens a session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	res, err := s.api.Login(ctx, upstream.Credentials{Username: username, Password: req.Password})
	if err != nil {
		if errors.Is(err, upstream.ErrUnauthorized) {
			return nil, ErrInvalidCredentials
		}
		var uerr *upstream.Error
		if errors.As(err, &uerr) && uerr.StatusCode == 400 {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("upstream login: %w", err)
	}

	now := s.now()
	sess := &Session{
		ID:            uuid.New(),
		Subject:       username,
		UpstreamToken: res.Token,
		User:          res.User,
		CreatedAt:     now,
		RefreshedAt:   now,
		ExpiresAt:     now.Add(s.ttl),
	}
	if err := s.repo.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.mu.Lock()
	s.live[sess.ID.String()] = sess
	hooks := append([]StartFunc(nil), s.onStart...)
	s.mu.Unlock()

	hookCtx := upstream.WithToken(context.WithoutCancel(ctx), sess.UpstreamToken)
	for _, fn := range hooks {
		fn(hookCtx)
	}
	return s.token(sess)
}

// Refresh exchanges the session's upstream token for a new one and extends
// the session. When upstream refuses the token the session is ended; when
// upstream cannot be reached the session is kept as it was.
func (s *Service) Refresh(ctx context.Context, sessionID string) (*TokenResponse, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	res, err := s.api.Refresh(upstream.WithToken(ctx, sess.UpstreamToken))
	if err != nil {
		if !refused(err) {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("token refresh failed, session kept")
			return nil, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
		}
		s.end(ctx, sessionID)
		if errors.Is(err, upstream.ErrUnauthorized) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	now := s.now()
	updated := *sess
	updated.UpstreamToken = res.Token
	if len(res.User) > 0 {
		updated.User = res.User
	}
	updated.RefreshedAt = now
	updated.ExpiresAt = now.Add(s.ttl)
	if err := s.repo.Save(ctx, &updated); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.mu.Lock()
	s.live[sessionID] = &updated
	s.mu.Unlock()

	return s.token(&updated)
}

// refused reports whether upstream answered err with a client error, which
// means the stored token will not be accepted again.
func refused(err error) bool {
	var upErr *upstream.Error
	return errors.As(err, &upErr) && upErr.StatusCode >= 400 && upErr.StatusCode < 500
}

// Logout ends the session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if _, err := s.lookup(sessionID); err != nil {
		return err
	}
	s.end(ctx, sessionID)
	return nil
}

// UpstreamToken implements auth.SessionResolver.
func (s *Service) UpstreamToken(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			s.end(ctx, sessionID)
		}
		return "", err
	}
	return sess.UpstreamToken, nil
}

// Get returns a copy of a live session.
func (s *Service) Get(sessionID string) (*Session, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	cp := *sess
	return &cp, nil
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Expire ends every live session past its expiry and purges expired rows
// from the repository. It returns the number of live sessions ended.
func (s *Service) Expire(ctx context.Context) int {
	now := s.now()
	s.mu.RLock()
	var expired []string
	for id, sess := range s.live {
		if sess.Expired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.end(ctx, id)
	}
	if _, err := s.repo.DeleteExpired(ctx, now); err != nil {
		s.logger.Warn().Err(err).Msg("failed to purge expired sessions")
	}
	return len(expired)
}

// Close drops the in-memory state. Persisted sessions are kept for the next
// Hydrate.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = make(map[string]*Session)
	s.closed = true
}

func (s *Service) lookup(sessionID string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.live[sessionID]
	closed := s.closed
	s.mu.RUnlock()
	if closed || !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

func (s *Service) end(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.live, sessionID)
	hooks := append([]EndFunc(nil), s.onEnd...)
	s.mu.Unlock()

	if id, err := uuid.Parse(sessionID); err == nil {
		if err := s.repo.Delete(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to delete session")
		}
	}
	for _, fn := range hooks {
		fn(sessionID)
	}
}

func (s *Service) token(sess *Session) (*TokenResponse, error) {
	tok, err := s.issuer.Issue(sess.ID.String(), sess.Subject, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{Token: tok, ExpiresAt: sess.ExpiresAt, User: sess.User}, nil
}
