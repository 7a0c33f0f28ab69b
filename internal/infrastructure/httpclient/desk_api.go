package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// TicketQuery filters the ticket list. Zero values are omitted.
type TicketQuery struct {
	Page     int
	Status   string
	Priority string
	Search   string
}

func (q TicketQuery) values() url.Values {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Priority != "" {
		v.Set("priority", q.Priority)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	return v
}

// DeskAPI covers the protected REST resources. Payloads are returned as
// opaque JSON.
type DeskAPI struct {
	client *Client
}

func NewDeskAPI(client *Client) *DeskAPI {
	return &DeskAPI{client: client}
}

func (d *DeskAPI) Tickets(ctx context.Context, q TicketQuery) (json.RawMessage, error) {
	var out json.RawMessage
	if err := d.client.Get(ctx, "/tickets", q.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ticket returns the ticket object unwrapped from its "data" envelope.
func (d *DeskAPI) Ticket(ctx context.Context, id int64) (json.RawMessage, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := d.client.Get(ctx, fmt.Sprintf("/tickets/%d", id), nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

func (d *DeskAPI) ResolveTicket(ctx context.Context, id int64) error {
	return d.client.Patch(ctx, fmt.Sprintf("/tickets/%d/resolve", id), nil, nil)
}

func (d *DeskAPI) CloseTicket(ctx context.Context, id int64) error {
	return d.client.Patch(ctx, fmt.Sprintf("/tickets/%d/close", id), nil, nil)
}

func (d *DeskAPI) DashboardStats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := d.client.Get(ctx, "/dashboard/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
