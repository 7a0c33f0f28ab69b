package ports

import (
	"context"

	"ticketdesk/internal/core/domain"
)

// CredentialStore persists the session entries ("token", "user") across
// restarts. Get returns domain.ErrCredentialNotFound for absent keys; Delete of
// an absent key is not an error.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// TicketRepository stores tickets for the development backend.
type TicketRepository interface {
	Get(ctx context.Context, id domain.TicketID) (*domain.Ticket, error)
	List(ctx context.Context, filter domain.TicketFilter) ([]domain.Ticket, error)
	Update(ctx context.Context, ticket *domain.Ticket) error
}
