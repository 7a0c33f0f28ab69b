package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	"ticketdesk/internal/core/services"
	"ticketdesk/internal/infrastructure/middleware"
	apperrors "ticketdesk/pkg/errors"
	"ticketdesk/pkg/utils"
	"ticketdesk/pkg/validation"

	"github.com/gin-gonic/gin"
)

type DeskHandler struct {
	authService services.AuthService
	tickets     *services.TicketService
	broadcaster ports.Broadcaster
}

func NewDeskHandler(authService services.AuthService, tickets *services.TicketService, broadcaster ports.Broadcaster) *DeskHandler {
	return &DeskHandler{
		authService: authService,
		tickets:     tickets,
		broadcaster: broadcaster,
	}
}

func (h *DeskHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api", middleware.AuthMiddleware(h.authService))
	{
		api.GET("/tickets", h.ListTickets)
		api.GET("/tickets/:id", h.GetTicket)
		api.PATCH("/tickets/:id/resolve", h.ResolveTicket)
		api.PATCH("/tickets/:id/close", h.CloseTicket)
		api.GET("/dashboard/stats", h.DashboardStats)
		api.POST("/broadcast", middleware.RequireRole(domain.RoleAdmin), h.Broadcast)
	}
}

func (h *DeskHandler) ListTickets(c *gin.Context) {
	page := 1
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.Error(apperrors.NewInvalidInputError("page must be a positive integer"))
			return
		}
		page = n
	}

	filter := domain.TicketFilter{
		Status:   domain.TicketStatus(c.Query("status")),
		Priority: domain.TicketPriority(c.Query("priority")),
		Search:   utils.SanitizeString(c.Query("search")),
	}

	user, _ := middleware.CurrentUser(c)
	result, err := h.tickets.List(c.Request.Context(), user, filter, page)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func ticketID(c *gin.Context) (domain.TicketID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.Error(apperrors.NewInvalidInputError("invalid ticket id"))
		return 0, false
	}
	return domain.TicketID(id), true
}

func (h *DeskHandler) GetTicket(c *gin.Context) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	user, _ := middleware.CurrentUser(c)
	ticket, err := h.tickets.Get(c.Request.Context(), user, id)
	if err != nil {
		c.Error(ticketError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ticket})
}

func (h *DeskHandler) ResolveTicket(c *gin.Context) {
	h.changeStatus(c, h.tickets.Resolve, "Ticket resolved")
}

func (h *DeskHandler) CloseTicket(c *gin.Context) {
	h.changeStatus(c, h.tickets.Close, "Ticket closed")
}

type transitionFunc func(ctx context.Context, user *domain.User, id domain.TicketID) (*domain.Ticket, error)

func (h *DeskHandler) changeStatus(c *gin.Context, transition transitionFunc, message string) {
	id, ok := ticketID(c)
	if !ok {
		return
	}
	user, _ := middleware.CurrentUser(c)
	ticket, err := transition(c.Request.Context(), user, id)
	if err != nil {
		c.Error(ticketError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "data": ticket})
}

func ticketError(err error) error {
	switch {
	case errors.Is(err, domain.ErrTicketNotFound):
		return apperrors.NewNotFoundError("ticket")
	case errors.Is(err, domain.ErrForbidden):
		return apperrors.NewForbiddenError("This action is unauthorized.")
	case errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.NewAppError(apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	}
	return err
}

func (h *DeskHandler) DashboardStats(c *gin.Context) {
	user, _ := middleware.CurrentUser(c)
	stats, err := h.tickets.Stats(c.Request.Context(), user)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type BroadcastRequest struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Broadcast publishes an arbitrary event. Admin only.
func (h *DeskHandler) Broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateChannelName(req.Channel); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateEventName(req.Event); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(`{}`)
	}

	if err := h.broadcaster.Broadcast(c.Request.Context(), req.Channel, req.Event, req.Data); err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "broadcast failed", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"channel": req.Channel, "event": req.Event})
}
