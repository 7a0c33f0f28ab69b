package domain

import (
	"errors"
	"strconv"
	"time"
)

type TicketID int64

func (id TicketID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityMedium TicketPriority = "medium"
	PriorityHigh   TicketPriority = "high"
	PriorityUrgent TicketPriority = "urgent"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrInvalidTransition = errors.New("invalid ticket status transition")
)

// Ticket is a support request raised by a customer.
type Ticket struct {
	ID          TicketID       `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      TicketStatus   `json:"status"`
	Priority    TicketPriority `json:"priority"`
	CustomerID  UserID         `json:"customer_id"`
	AgentID     *UserID        `json:"agent_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Closed tickets are final; resolved ones may still be closed.
func (t *Ticket) CanTransition(to TicketStatus) bool {
	switch to {
	case TicketResolved:
		return t.Status == TicketOpen || t.Status == TicketInProgress
	case TicketClosed:
		return t.Status != TicketClosed
	}
	return false
}

// TicketFilter narrows a ticket listing. Zero values match everything.
type TicketFilter struct {
	Status     TicketStatus
	Priority   TicketPriority
	Search     string
	CustomerID UserID
}

// TicketPage is one page of a ticket listing, shaped like the backend's
// paginator.
type TicketPage struct {
	Data        []Ticket `json:"data"`
	CurrentPage int      `json:"current_page"`
	LastPage    int      `json:"last_page"`
	PerPage     int      `json:"per_page"`
	Total       int      `json:"total"`
}

type PriorityDistribution struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
	Urgent int `json:"urgent"`
}

type DashboardStats struct {
	TotalTickets         int                  `json:"total_tickets"`
	OpenTickets          int                  `json:"open_tickets"`
	ClosedTickets        int                  `json:"closed_tickets"`
	PriorityDistribution PriorityDistribution `json:"priority_distribution"`
}

// TicketChannel is the private channel carrying updates for a customer's
// tickets.
func TicketChannel(customer UserID) string {
	return PrivateChannelPrefix + "tickets." + customer.String()
}
