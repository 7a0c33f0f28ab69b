package http

import (
	"errors"
	"net/http"
	"strings"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/services"
	"ticketdesk/internal/infrastructure/middleware"
	apperrors "ticketdesk/pkg/errors"
	"ticketdesk/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ChannelSigner mints broadcasting grants.
type ChannelSigner interface {
	Authorize(user *domain.User, socketID, channel string) (domain.ChannelGrant, error)
}

type TokenMetrics interface {
	RecordTokenIssued()
}

type AuthHandler struct {
	authService services.AuthService
	signer      ChannelSigner
	metrics     TokenMetrics
	logger      *zap.SugaredLogger
}

func NewAuthHandler(authService services.AuthService, signer ChannelSigner, metrics TokenMetrics, logger *zap.SugaredLogger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		signer:      signer,
		metrics:     metrics,
		logger:      logger,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/api/login", h.Login)

	protected := router.Group("", middleware.AuthMiddleware(h.authService))
	{
		protected.GET("/api/user", h.CurrentUser)
		protected.POST("/broadcasting/auth", h.BroadcastingAuth)
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if err := validation.ValidateEmail(req.Email); err != nil {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeValidation, err.Error(), http.StatusUnprocessableEntity))
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeValidation, err.Error(), http.StatusUnprocessableEntity))
		return
	}

	user, err := h.authService.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Infow("login rejected", "email", req.Email)
		c.Error(apperrors.NewUnauthorizedError("Invalid credentials"))
		return
	}

	token, err := h.authService.GenerateToken(user)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}
	if h.metrics != nil {
		h.metrics.RecordTokenIssued()
	}

	h.logger.Infow("token issued", "user_id", user.ID, "role", user.Role.Name)
	c.JSON(http.StatusOK, domain.AuthResult{Token: token, User: user})
}

func (h *AuthHandler) CurrentUser(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	c.JSON(http.StatusOK, user)
}

// ChannelAuthRequest accepts both the JSON body the desk client sends and
// the form encoding used by browser Pusher clients.
type ChannelAuthRequest struct {
	SocketID    string `json:"socket_id" form:"socket_id"`
	ChannelName string `json:"channel_name" form:"channel_name"`
}

func (h *AuthHandler) BroadcastingAuth(c *gin.Context) {
	var req ChannelAuthRequest
	if err := c.ShouldBind(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateSocketID(req.SocketID); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateChannelName(req.ChannelName); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	user, _ := middleware.CurrentUser(c)
	grant, err := h.signer.Authorize(user, req.SocketID, req.ChannelName)
	if err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			h.logger.Infow("channel access denied", "user_id", user.ID, "channel", req.ChannelName)
			c.Error(apperrors.NewForbiddenError("This action is unauthorized."))
			return
		}
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to sign channel", http.StatusInternalServerError))
		return
	}

	h.logger.Debugw("channel authorized", "user_id", user.ID, "channel", req.ChannelName, "socket_id", req.SocketID)
	c.JSON(http.StatusOK, grant)
}
