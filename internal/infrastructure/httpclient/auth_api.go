package httpclient

import (
	"context"

	"ticketdesk/internal/core/domain"
)

// AuthAPI is the login endpoint of the backend.
type AuthAPI struct {
	client *Client
}

func NewAuthAPI(client *Client) *AuthAPI {
	return &AuthAPI{client: client}
}

// Login posts the credentials. A 401 here is a rejected login and never ends
// the current session.
func (a *AuthAPI) Login(ctx context.Context, credentials domain.Credentials) (*domain.AuthResult, error) {
	var result domain.AuthResult
	if err := a.client.Post(SkipLogout(ctx), "/login", credentials, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
