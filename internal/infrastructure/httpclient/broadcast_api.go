package httpclient

import (
	"context"
	"encoding/json"

	"ticketdesk/internal/core/domain"
)

// BroadcastAPI posts channel authorization requests to the broadcasting
// endpoint, which lives outside the API base path.
type BroadcastAPI struct {
	client   *Client
	endpoint string
}

func NewBroadcastAPI(client *Client, endpoint string) *BroadcastAPI {
	return &BroadcastAPI{client: client, endpoint: endpoint}
}

func (b *BroadcastAPI) Endpoint() string { return b.endpoint }

func (b *BroadcastAPI) AuthorizeChannel(ctx context.Context, req domain.ChannelAuthRequest) (json.RawMessage, error) {
	var grant json.RawMessage
	if err := b.client.Post(ctx, b.endpoint, req, &grant); err != nil {
		return nil, err
	}
	return grant, nil
}
