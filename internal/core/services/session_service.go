package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	"ticketdesk/pkg/tracing"
	"ticketdesk/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SessionService owns the authenticated session. It is the only writer of
// the credential store; the in-memory state is authoritative after Hydrate.
type SessionService struct {
	store   ports.CredentialStore
	gateway ports.AuthGateway
	logger  *zap.SugaredLogger
	metrics ports.SessionMetrics
	reload  func()
	now     func() time.Time

	mu        sync.RWMutex
	token     string
	user      *domain.User
	navigator ports.Navigator
}

type SessionOption func(*SessionService)

// WithSessionMetrics records logins and logouts.
func WithSessionMetrics(m ports.SessionMetrics) SessionOption {
	return func(s *SessionService) { s.metrics = m }
}

// WithReload sets the fallback used by logout when no navigator is attached.
func WithReload(fn func()) SessionOption {
	return func(s *SessionService) { s.reload = fn }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionService) { s.now = now }
}

func NewSessionService(store ports.CredentialStore, gateway ports.AuthGateway, logger *zap.SugaredLogger, opts ...SessionOption) *SessionService {
	s := &SessionService{
		store:   store,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hydrate loads the persisted session. Partial or undecodable entries and
// expired JWTs are cleared and leave the session unauthenticated.
func (s *SessionService) Hydrate(ctx context.Context) error {
	ctx, span := tracing.TraceSessionOperation(ctx, "hydrate")
	defer span.End()

	token, err := s.readEntry(ctx, domain.CredentialKeyToken)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to read persisted token: %w", err)
	}
	rawUser, err := s.readEntry(ctx, domain.CredentialKeyUser)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to read persisted user: %w", err)
	}

	if token == "" && rawUser == "" {
		s.logger.Debugw("no persisted session")
		return nil
	}

	user, reason := decodePersistedUser(rawUser)
	if token == "" {
		reason = "token missing"
	}
	if reason == "" {
		if exp, ok := tokenExpiry(token); ok && !s.now().Before(exp) {
			reason = "token expired"
		}
	}

	if reason != "" {
		s.logger.Warnw("discarding persisted session", "reason", reason)
		if err := s.store.Delete(ctx, domain.CredentialKeyToken, domain.CredentialKeyUser); err != nil {
			s.logger.Warnw("failed to clear persisted session", "error", err)
		}
		return nil
	}

	s.mu.Lock()
	s.token = token
	s.user = user
	s.mu.Unlock()

	span.SetAttributes(tracing.UserIDKey.String(user.ID.String()), tracing.UserRoleKey.String(string(user.Role.Name)))
	s.logger.Infow("session restored", "user_id", user.ID, "role", user.Role.Name)
	return nil
}

func (s *SessionService) readEntry(ctx context.Context, key string) (string, error) {
	v, err := s.store.Get(ctx, key)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return "", nil
	}
	return v, err
}

func decodePersistedUser(raw string) (*domain.User, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return nil, "user missing"
	}
	var u domain.User
	if err := json.Unmarshal([]byte(trimmed), &u); err != nil {
		return nil, "user undecodable"
	}
	return &u, ""
}

// Login exchanges credentials for a session. On any failure the current
// session is left untouched and the returned error wraps
// domain.ErrAuthenticationFailed.
func (s *SessionService) Login(ctx context.Context, credentials domain.Credentials) error {
	ctx, span := tracing.TraceSessionOperation(ctx, "login")
	defer span.End()

	if err := validateCredentials(credentials); err != nil {
		s.recordLogin(false)
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, err)
	}

	result, err := s.gateway.Login(ctx, credentials)
	if err != nil {
		s.recordLogin(false)
		tracing.RecordError(ctx, err)
		s.logger.Warnw("login rejected", "email", credentials.Email, "error", err)
		return fmt.Errorf("%w: %w", domain.ErrAuthenticationFailed, err)
	}
	if result == nil || result.Token == "" || result.User == nil {
		s.recordLogin(false)
		err := fmt.Errorf("%w: login response missing token or user", domain.ErrAuthenticationFailed)
		tracing.RecordError(ctx, err)
		return err
	}

	encodedUser, err := json.Marshal(result.User)
	if err != nil {
		s.recordLogin(false)
		return fmt.Errorf("%w: encode user: %w", domain.ErrAuthenticationFailed, err)
	}

	user := *result.User

	// Memory and store change under one write lock so no reader sees a token
	// without its user.
	s.mu.Lock()
	s.token = result.Token
	s.user = &user
	if err := s.store.Set(ctx, domain.CredentialKeyToken, result.Token); err != nil {
		s.logger.Warnw("failed to persist token", "error", err)
	}
	if err := s.store.Set(ctx, domain.CredentialKeyUser, string(encodedUser)); err != nil {
		s.logger.Warnw("failed to persist user", "error", err)
	}
	s.mu.Unlock()

	s.recordLogin(true)
	span.SetAttributes(
		tracing.UserIDKey.String(user.ID.String()),
		tracing.UserRoleKey.String(string(user.Role.Name)),
	)
	s.logger.Infow("logged in", "user_id", user.ID, "role", user.Role.Name)
	return nil
}

func validateCredentials(c domain.Credentials) error {
	if err := validation.ValidateEmail(c.Email); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCredentials, err)
	}
	if err := validation.ValidatePassword(c.Password); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidCredentials, err)
	}
	return nil
}

// Logout ends the session at the user's request.
func (s *SessionService) Logout(ctx context.Context) {
	s.Terminate(ctx, domain.LogoutUser)
}

// Terminate clears memory and store, then sends the user to the login route
// (or reloads the application root when no navigator is attached). Calling
// it on a cleared session is harmless.
func (s *SessionService) Terminate(ctx context.Context, reason domain.LogoutReason) {
	ctx, span := tracing.TraceSessionOperation(ctx, "logout")
	defer span.End()
	span.SetAttributes(attribute.String("session.logout_reason", string(reason)))

	s.mu.Lock()
	wasAuthenticated := s.token != ""
	var userID domain.UserID
	if s.user != nil {
		userID = s.user.ID
	}
	s.token = ""
	s.user = nil
	if err := s.store.Delete(ctx, domain.CredentialKeyToken, domain.CredentialKeyUser); err != nil {
		s.logger.Warnw("failed to clear persisted session", "error", err)
	}
	nav := s.navigator
	s.mu.Unlock()

	if wasAuthenticated {
		if s.metrics != nil {
			s.metrics.RecordLogout(reason)
		}
		if err := reason.Err(); err != nil {
			s.logger.Infow("logged out", "user_id", userID, "reason", reason, "error", err)
		} else {
			s.logger.Infow("logged out", "user_id", userID, "reason", reason)
		}
	} else {
		s.logger.Debugw("logout on cleared session", "reason", reason)
	}

	// The guard reads the session, so navigation runs outside the lock.
	switch {
	case nav != nil:
		if _, err := nav.Push(ctx, domain.Location{Name: domain.RouteLogin}); err != nil {
			s.logger.Warnw("redirect to login failed", "error", err)
		}
	case s.reload != nil:
		s.reload()
	}
}

// AttachNavigator sets the router used for the logout redirect.
func (s *SessionService) AttachNavigator(nav ports.Navigator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigator = nav
}

func (s *SessionService) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Current returns a copy of the session.
func (s *SessionService) Current() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := domain.Session{Token: s.token}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

func (s *SessionService) IsAuthenticated() bool { return s.Current().IsAuthenticated() }
func (s *SessionService) IsAdmin() bool         { return s.Current().IsAdmin() }
func (s *SessionService) IsAgent() bool         { return s.Current().IsAgent() }
func (s *SessionService) IsCustomer() bool      { return s.Current().IsCustomer() }

// ExpiresAt returns the exp claim of the current token. Opaque (non-JWT)
// tokens have no known expiry.
func (s *SessionService) ExpiresAt() (time.Time, bool) {
	return tokenExpiry(s.Token())
}

// WatchExpiry terminates the session once its token expires. It returns when
// ctx is done.
func (s *SessionService) WatchExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exp, ok := s.ExpiresAt()
			if ok && !s.now().Before(exp) {
				s.logger.Infow("session token expired", "expired_at", exp)
				s.Terminate(ctx, domain.LogoutExpired)
			}
		}
	}
}

func (s *SessionService) recordLogin(success bool) {
	if s.metrics != nil {
		s.metrics.RecordLogin(success)
	}
}

// tokenExpiry reads the exp claim without verifying the signature; the
// client cannot verify it and only needs the timestamp.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" || strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
