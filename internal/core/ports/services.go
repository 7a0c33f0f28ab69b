package ports

import (
	"context"
	"encoding/json"
	"time"

	"ticketdesk/internal/core/domain"
)

// AuthGateway performs the login exchange with the backend.
type AuthGateway interface {
	Login(ctx context.Context, credentials domain.Credentials) (*domain.AuthResult, error)
}

// BroadcastAuthAPI performs the channel authorization exchange.
type BroadcastAuthAPI interface {
	AuthorizeChannel(ctx context.Context, req domain.ChannelAuthRequest) (json.RawMessage, error)
}

// TokenSource yields the current bearer token, or "" when unauthenticated.
type TokenSource interface {
	Token() string
}

// SessionReader exposes read-only session state.
type SessionReader interface {
	TokenSource
	Current() domain.Session
	IsAuthenticated() bool
}

// SessionTerminator ends the session for a recorded reason.
type SessionTerminator interface {
	Terminate(ctx context.Context, reason domain.LogoutReason)
}

// Navigator performs a guarded navigation and returns the committed route.
type Navigator interface {
	Push(ctx context.Context, to domain.Location) (domain.Route, error)
}

type SessionService interface {
	SessionReader
	SessionTerminator

	Hydrate(ctx context.Context) error
	Login(ctx context.Context, credentials domain.Credentials) error
	Logout(ctx context.Context)

	IsAdmin() bool
	IsAgent() bool
	IsCustomer() bool
	ExpiresAt() (time.Time, bool)

	AttachNavigator(nav Navigator)
	WatchExpiry(ctx context.Context, interval time.Duration)
}

// AuthorizeCallback receives exactly one of grant or err.
type AuthorizeCallback func(grant json.RawMessage, err error)

// ChannelAuthorizer mints per-subscription channel grants.
type ChannelAuthorizer interface {
	Authorize(ctx context.Context, socketID, channelName string, done AuthorizeCallback)
}

// SessionMetrics records session lifecycle events.
type SessionMetrics interface {
	RecordLogin(success bool)
	RecordLogout(reason domain.LogoutReason)
}

// ChannelAuthMetrics records channel authorization outcomes.
type ChannelAuthMetrics interface {
	RecordChannelAuthorization(success bool, duration time.Duration)
}
