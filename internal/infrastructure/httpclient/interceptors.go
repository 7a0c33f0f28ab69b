package httpclient

import (
	"context"
	"net/http"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	apperrors "ticketdesk/pkg/errors"
	"ticketdesk/pkg/logger"
	"ticketdesk/pkg/utils"

	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

type skipLogoutKey struct{}

// SkipLogout marks ctx so a 401 on requests made with it leaves the session
// alone. The login exchange uses it: rejected credentials are not an expired
// session.
func SkipLogout(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipLogoutKey{}, true)
}

func logoutSkipped(ctx context.Context) bool {
	skip, _ := ctx.Value(skipLogoutKey{}).(bool)
	return skip
}

// BearerToken attaches the session token read at send time. Requests made
// without a session go out without an Authorization header.
func BearerToken(src ports.TokenSource) RequestInterceptor {
	return func(req *http.Request) error {
		if token := src.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return nil
	}
}

// RequestID tags the request with the id from its context, or a fresh one.
func RequestID() RequestInterceptor {
	return func(req *http.Request) error {
		if req.Header.Get(RequestIDHeader) != "" {
			return nil
		}
		id := logger.RequestIDFrom(req.Context())
		if id == "" {
			id = utils.GenerateRequestID()
		}
		req.Header.Set(RequestIDHeader, id)
		return nil
	}
}

// LogoutOnUnauthorized ends the session on any HTTP 401 not marked with
// SkipLogout and hands the original error back to the caller.
func LogoutOnUnauthorized(session ports.SessionTerminator, log *zap.SugaredLogger) ResponseInterceptor {
	return func(ctx context.Context, status int, err error) error {
		if logoutSkipped(ctx) {
			return err
		}
		if status == http.StatusUnauthorized || apperrors.IsUnauthorized(err) {
			log.Warnw("backend rejected credentials, logging out", "error", err)
			session.Terminate(ctx, domain.LogoutUnauthorized)
		}
		return err
	}
}
