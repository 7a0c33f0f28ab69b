package domain

import (
	"encoding/json"
	"strings"
)

// Channel name prefixes that require authorization.
const (
	PrivateChannelPrefix  = "private-"
	PresenceChannelPrefix = "presence-"
)

// ChannelAuthRequest is the body sent to the broadcasting auth endpoint.
type ChannelAuthRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

// ChannelGrant is the decoded form of a broadcasting auth response.
type ChannelGrant struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// DecodeChannelGrant parses an opaque grant payload.
func DecodeChannelGrant(raw json.RawMessage) (ChannelGrant, error) {
	var g ChannelGrant
	err := json.Unmarshal(raw, &g)
	return g, err
}

// RequiresAuthorization reports whether subscribing to channel needs a grant.
func RequiresAuthorization(channel string) bool {
	return strings.HasPrefix(channel, PrivateChannelPrefix) || strings.HasPrefix(channel, PresenceChannelPrefix)
}

// IsPresenceChannel reports whether channel is a presence channel.
func IsPresenceChannel(channel string) bool {
	return strings.HasPrefix(channel, PresenceChannelPrefix)
}
