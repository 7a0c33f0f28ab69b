package middleware

import (
	"net/http"

	"strings"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/services"
	"ticketdesk/pkg/errors"
	"ticketdesk/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserKey   = "user"
	ContextUserIDKey = "user_id"
)

// AuthMiddleware requires a valid bearer token and stores the token's user in
// the gin context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, appErr := authenticate(c, authService)
		if appErr != nil {
			AbortWithError(c, appErr)
			return
		}
		setUser(c, user)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "" {
			if user, appErr := authenticate(c, authService); appErr == nil {
				setUser(c, user)
			}
		}
		c.Next()
	}
}

// RequireRole rejects users holding none of roles. It must run after
// AuthMiddleware.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			AbortWithError(c, errors.NewUnauthorizedError("Unauthenticated."))
			return
		}
		for _, role := range roles {
			if user.HasRole(role) {
				c.Next()
				return
			}
		}
		AbortWithError(c, errors.NewForbiddenError("This action is unauthorized."))
	}
}

// CurrentUser returns the user stored by AuthMiddleware.
func CurrentUser(c *gin.Context) (*domain.User, bool) {
	v, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	user, ok := v.(*domain.User)
	return user, ok && user != nil
}

func authenticate(c *gin.Context, authService services.AuthService) (*domain.User, *errors.AppError) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil, errors.NewUnauthorizedError("Unauthenticated.")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, errors.NewUnauthorizedError("invalid authorization header format")
	}

	claims, err := authService.ValidateToken(parts[1])
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeUnauthorized, "Unauthenticated.", http.StatusUnauthorized)
	}
	user, ok := authService.UserByID(claims.UserID)
	if !ok {
		return nil, errors.NewUnauthorizedError("Unauthenticated.")
	}
	return user, nil
}

func setUser(c *gin.Context, user *domain.User) {
	c.Set(ContextUserKey, user)
	c.Set(ContextUserIDKey, user.ID)
	c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), user.ID.String()))
}
