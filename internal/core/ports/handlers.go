package ports

import (
	"context"
	"encoding/json"
)

// Broadcaster delivers an event to every subscriber of a realtime channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, event string, data json.RawMessage) error
}
