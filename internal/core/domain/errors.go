package domain

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrSessionExpired       = errors.New("session expired")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrChannelAuthorization = errors.New("channel authorization failed")
	ErrRouteNotFound        = errors.New("route not found")
	ErrRedirectLoop         = errors.New("navigation redirect loop")
	ErrCredentialNotFound   = errors.New("credential not found")
	ErrForbidden            = errors.New("forbidden")
)
