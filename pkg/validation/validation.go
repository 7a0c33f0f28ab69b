package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// EmailRegex validates email format
	EmailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

	// ChannelNameRegex matches the characters a Pusher channel name may contain.
	ChannelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-=@,.;]+$`)

	// SocketIDRegex matches Pusher socket ids ("123.456").
	SocketIDRegex = regexp.MustCompile(`^\d+\.\d+$`)
)

const (
	maxChannelNameLength = 164
	maxEventNameLength   = 200
)

// ValidateEmail validates email address
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if len(email) > 254 {
		return fmt.Errorf("email is too long (max 254 characters)")
	}
	if !EmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidatePassword only checks presence and an upper bound; strength is the
// backend's call.
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) > 128 {
		return fmt.Errorf("password is too long (max 128 characters)")
	}
	return nil
}

// ValidateChannelName validates a realtime channel name
func ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if len(name) > maxChannelNameLength {
		return fmt.Errorf("channel name is too long (max %d characters)", maxChannelNameLength)
	}
	if !ChannelNameRegex.MatchString(name) {
		return fmt.Errorf("invalid channel name %q", name)
	}
	return nil
}

// ValidateSocketID validates a realtime socket id
func ValidateSocketID(socketID string) error {
	if socketID == "" {
		return fmt.Errorf("socket id is required")
	}
	if !SocketIDRegex.MatchString(socketID) {
		return fmt.Errorf("invalid socket id %q", socketID)
	}
	return nil
}

// ValidateEventName validates a realtime event name
func ValidateEventName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("event name is required")
	}
	if len(name) > maxEventNameLength {
		return fmt.Errorf("event name is too long (max %d characters)", maxEventNameLength)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
