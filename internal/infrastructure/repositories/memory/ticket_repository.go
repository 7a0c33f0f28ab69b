package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ticketdesk/internal/core/domain"
)

type TicketRepository struct {
	mu      sync.RWMutex
	tickets map[domain.TicketID]*domain.Ticket
}

func NewTicketRepository(seed []domain.Ticket) *TicketRepository {
	r := &TicketRepository{tickets: make(map[domain.TicketID]*domain.Ticket, len(seed))}
	for i := range seed {
		t := seed[i]
		r.tickets[t.ID] = &t
	}
	return r
}

func (r *TicketRepository) Get(ctx context.Context, id domain.TicketID) (*domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns matching tickets, newest first.
func (r *TicketRepository) List(ctx context.Context, filter domain.TicketFilter) ([]domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]domain.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.CustomerID != 0 && t.CustomerID != filter.CustomerID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(t.Title), search) &&
			!strings.Contains(strings.ToLower(t.Description), search) {
			continue
		}
		out = append(out, *t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *TicketRepository) Update(ctx context.Context, ticket *domain.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tickets[ticket.ID]; !ok {
		return domain.ErrTicketNotFound
	}
	cp := *ticket
	r.tickets[ticket.ID] = &cp
	return nil
}

// DemoTickets returns the fixture tickets served by the development backend.
func DemoTickets(now time.Time) []domain.Ticket {
	agent := domain.UserID(2)
	mk := func(id int64, title, desc string, status domain.TicketStatus, priority domain.TicketPriority, customer domain.UserID, assigned *domain.UserID, age time.Duration) domain.Ticket {
		created := now.Add(-age)
		return domain.Ticket{
			ID:          domain.TicketID(id),
			Title:       title,
			Description: desc,
			Status:      status,
			Priority:    priority,
			CustomerID:  customer,
			AgentID:     assigned,
			CreatedAt:   created,
			UpdatedAt:   created,
		}
	}
	return []domain.Ticket{
		mk(1, "Cannot log in", "Password reset email never arrives.", domain.TicketOpen, domain.PriorityHigh, 3, nil, 72*time.Hour),
		mk(2, "Invoice shows wrong VAT", "The March invoice applies 21% instead of 10%.", domain.TicketInProgress, domain.PriorityMedium, 3, &agent, 48*time.Hour),
		mk(3, "Export to CSV", "Feature request: export the ticket list.", domain.TicketResolved, domain.PriorityLow, 3, &agent, 240*time.Hour),
		mk(4, "Site down", "Checkout returns 502 for all users.", domain.TicketOpen, domain.PriorityUrgent, 4, nil, 2*time.Hour),
		mk(5, "Change billing address", "Moved offices last month.", domain.TicketClosed, domain.PriorityLow, 4, &agent, 720*time.Hour),
	}
}
