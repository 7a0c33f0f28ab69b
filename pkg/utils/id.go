package utils

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// GenerateRequestID returns an id for the X-Request-ID header.
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// GenerateSocketID returns a Pusher-style socket id: two decimal numbers
// joined by a dot, e.g. "123456.7890123".
func GenerateSocketID() string {
	return strconv.FormatInt(randomInt(1_000_000_000), 10) + "." + strconv.FormatInt(randomInt(1_000_000_000), 10)
}

func randomInt(max int64) int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return time.Now().UnixNano() % max
	}
	return n.Int64()
}
