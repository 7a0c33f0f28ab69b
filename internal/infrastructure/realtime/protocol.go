package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the Pusher wire protocol spoken by client and server.
const ProtocolVersion = 7

// Protocol events.
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSubscriptionError     = "pusher:subscription_error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
)

// Message is one frame on the socket. Server frames carry Data as a JSON
// string holding encoded JSON; client frames carry an object.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"` // seconds
}

type SubscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    *int   `json:"code,omitempty"`
}

type SubscriptionErrorData struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// ProtocolError is a pusher:error sent by the server.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

// Fatal reports whether the client must not reconnect (codes 4000-4099).
func (e *ProtocolError) Fatal() bool {
	return e.Code >= 4000 && e.Code < 4100
}

// Immediate reports whether the client may reconnect without backoff
// (codes 4200-4299).
func (e *ProtocolError) Immediate() bool {
	return e.Code >= 4200 && e.Code < 4300
}

// NormalizeData unwraps string-encoded JSON so handlers always receive the
// payload itself. Plain strings that are not JSON are returned as a JSON
// string.
func NormalizeData(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return trimmed
	}
	if json.Valid([]byte(inner)) {
		return json.RawMessage(inner)
	}
	return trimmed
}

// DecodeData decodes a frame's data into v, accepting both encodings.
func DecodeData(raw json.RawMessage, v any) error {
	return json.Unmarshal(NormalizeData(raw), v)
}

// EncodeServerData encodes v the way servers send it: as a JSON string.
func EncodeServerData(v any) (json.RawMessage, error) {
	var inner []byte
	switch d := v.(type) {
	case json.RawMessage:
		inner = d
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		inner = b
	}
	return json.Marshal(string(inner))
}

// EncodeClientData encodes v as a plain JSON object.
func EncodeClientData(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
