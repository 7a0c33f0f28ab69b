package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ticketdesk/internal/core/domain"
)

const ticketChannelPrefix = domain.PrivateChannelPrefix + "tickets."

// BroadcastAuthService signs and verifies channel subscriptions using the
// Pusher scheme: auth = key ":" hex(HMAC-SHA256(secret, socket:channel[:data])).
type BroadcastAuthService struct {
	key    string
	secret []byte
}

func NewBroadcastAuthService(key, secret string) *BroadcastAuthService {
	return &BroadcastAuthService{key: key, secret: []byte(secret)}
}

func (s *BroadcastAuthService) Key() string { return s.key }

func (s *BroadcastAuthService) Sign(socketID, channel, channelData string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(signingPayload(socketID, channel, channelData)))
	return s.key + ":" + hex.EncodeToString(mac.Sum(nil))
}

func (s *BroadcastAuthService) Verify(socketID, channel, channelData, auth string) bool {
	return hmac.Equal([]byte(s.Sign(socketID, channel, channelData)), []byte(auth))
}

func signingPayload(socketID, channel, channelData string) string {
	payload := socketID + ":" + channel
	if channelData != "" {
		payload += ":" + channelData
	}
	return payload
}

// CanAccessChannel applies the channel policy: a ticket channel belongs to
// its customer and is open to staff, presence channels to anyone signed in,
// other private channels to admins.
func CanAccessChannel(user *domain.User, channel string) bool {
	if user == nil {
		return false
	}
	switch {
	case strings.HasPrefix(channel, ticketChannelPrefix):
		if user.HasRole(domain.RoleAdmin) || user.HasRole(domain.RoleAgent) {
			return true
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(channel, ticketChannelPrefix), 10, 64)
		return err == nil && domain.UserID(id) == user.ID
	case domain.IsPresenceChannel(channel):
		return true
	case strings.HasPrefix(channel, domain.PrivateChannelPrefix):
		return user.HasRole(domain.RoleAdmin)
	}
	return true
}

type presenceMember struct {
	UserID   string         `json:"user_id"`
	UserInfo map[string]any `json:"user_info"`
}

// Authorize produces the grant for user subscribing socketID to channel.
func (s *BroadcastAuthService) Authorize(user *domain.User, socketID, channel string) (domain.ChannelGrant, error) {
	if !CanAccessChannel(user, channel) {
		return domain.ChannelGrant{}, fmt.Errorf("%w: %s", domain.ErrForbidden, channel)
	}

	var channelData string
	if domain.IsPresenceChannel(channel) {
		data, err := json.Marshal(presenceMember{
			UserID:   user.ID.String(),
			UserInfo: map[string]any{"name": user.Name, "role": user.Role.Name},
		})
		if err != nil {
			return domain.ChannelGrant{}, err
		}
		channelData = string(data)
	}

	return domain.ChannelGrant{
		Auth:        s.Sign(socketID, channel, channelData),
		ChannelData: channelData,
	}, nil
}
