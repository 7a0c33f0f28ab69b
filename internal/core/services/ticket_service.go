package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	"ticketdesk/pkg/cache"

	"go.uber.org/zap"
)

const (
	TicketsPerPage     = 10
	EventTicketUpdated = "TicketUpdated"
)

// TicketService serves the development backend's ticket resources and
// announces status changes on the owning customer's private channel.
type TicketService struct {
	repo        ports.TicketRepository
	broadcaster ports.Broadcaster
	logger      *zap.SugaredLogger
	stats       *cache.Cache[domain.DashboardStats]
	now         func() time.Time
}

type TicketOption func(*TicketService)

// WithStatsCache caches dashboard statistics per visibility scope. Any status
// change clears the cache.
func WithStatsCache(c *cache.Cache[domain.DashboardStats]) TicketOption {
	return func(s *TicketService) { s.stats = c }
}

func NewTicketService(repo ports.TicketRepository, broadcaster ports.Broadcaster, logger *zap.SugaredLogger, opts ...TicketOption) *TicketService {
	s := &TicketService{
		repo:        repo,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func isStaff(user *domain.User) bool {
	return user.HasRole(domain.RoleAdmin) || user.HasRole(domain.RoleAgent)
}

func scope(user *domain.User, filter domain.TicketFilter) domain.TicketFilter {
	if !isStaff(user) {
		filter.CustomerID = user.ID
	}
	return filter
}

// List returns one page of the tickets visible to user. Pages start at 1.
func (s *TicketService) List(ctx context.Context, user *domain.User, filter domain.TicketFilter, page int) (domain.TicketPage, error) {
	tickets, err := s.repo.List(ctx, scope(user, filter))
	if err != nil {
		return domain.TicketPage{}, fmt.Errorf("list tickets: %w", err)
	}

	if page < 1 {
		page = 1
	}
	lastPage := max(1, (len(tickets)+TicketsPerPage-1)/TicketsPerPage)
	start := min((page-1)*TicketsPerPage, len(tickets))
	end := min(start+TicketsPerPage, len(tickets))

	return domain.TicketPage{
		Data:        tickets[start:end],
		CurrentPage: page,
		LastPage:    lastPage,
		PerPage:     TicketsPerPage,
		Total:       len(tickets),
	}, nil
}

// Get returns a ticket user may see. Other customers' tickets are reported
// as not found.
func (s *TicketService) Get(ctx context.Context, user *domain.User, id domain.TicketID) (*domain.Ticket, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isStaff(user) && t.CustomerID != user.ID {
		return nil, domain.ErrTicketNotFound
	}
	return t, nil
}

// Resolve marks a ticket resolved. Staff only.
func (s *TicketService) Resolve(ctx context.Context, user *domain.User, id domain.TicketID) (*domain.Ticket, error) {
	if !isStaff(user) {
		return nil, fmt.Errorf("%w: only staff resolve tickets", domain.ErrForbidden)
	}
	return s.transition(ctx, user, id, domain.TicketResolved)
}

// Close closes a ticket. Staff or the owning customer.
func (s *TicketService) Close(ctx context.Context, user *domain.User, id domain.TicketID) (*domain.Ticket, error) {
	return s.transition(ctx, user, id, domain.TicketClosed)
}

func (s *TicketService) transition(ctx context.Context, user *domain.User, id domain.TicketID, to domain.TicketStatus) (*domain.Ticket, error) {
	t, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if !t.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.Status, to)
	}

	from := t.Status
	t.Status = to
	t.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("update ticket %d: %w", t.ID, err)
	}
	if s.stats != nil {
		s.stats.Clear()
	}

	s.logger.Infow("ticket status changed",
		"ticket_id", t.ID,
		"from", from,
		"to", to,
		"user_id", user.ID,
	)
	s.announce(ctx, t)
	return t, nil
}

// announce is best effort; a failed broadcast never fails the update.
func (s *TicketService) announce(ctx context.Context, t *domain.Ticket) {
	if s.broadcaster == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"ticket": t})
	if err != nil {
		return
	}
	if err := s.broadcaster.Broadcast(ctx, domain.TicketChannel(t.CustomerID), EventTicketUpdated, payload); err != nil {
		s.logger.Warnw("ticket broadcast failed", "ticket_id", t.ID, "error", err)
	}
}

// Stats summarizes the tickets visible to user.
func (s *TicketService) Stats(ctx context.Context, user *domain.User) (domain.DashboardStats, error) {
	filter := scope(user, domain.TicketFilter{})
	if s.stats == nil {
		return s.computeStats(ctx, filter)
	}
	key := "all"
	if filter.CustomerID != 0 {
		key = filter.CustomerID.String()
	}
	return s.stats.GetOrLoad(ctx, key, func(ctx context.Context) (domain.DashboardStats, error) {
		return s.computeStats(ctx, filter)
	})
}

func (s *TicketService) computeStats(ctx context.Context, filter domain.TicketFilter) (domain.DashboardStats, error) {
	tickets, err := s.repo.List(ctx, filter)
	if err != nil {
		return domain.DashboardStats{}, fmt.Errorf("list tickets: %w", err)
	}

	var stats domain.DashboardStats
	for _, t := range tickets {
		stats.TotalTickets++
		switch t.Status {
		case domain.TicketClosed, domain.TicketResolved:
			stats.ClosedTickets++
		default:
			stats.OpenTickets++
		}
		switch t.Priority {
		case domain.PriorityLow:
			stats.PriorityDistribution.Low++
		case domain.PriorityMedium:
			stats.PriorityDistribution.Medium++
		case domain.PriorityHigh:
			stats.PriorityDistribution.High++
		case domain.PriorityUrgent:
			stats.PriorityDistribution.Urgent++
		}
	}
	return stats, nil
}
