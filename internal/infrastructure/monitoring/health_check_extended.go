package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCredentialStoreCheck reads the token entry; an absent entry is healthy.
func (h *HealthChecker) AddCredentialStoreCheck(store ports.CredentialStore, interval, timeout time.Duration) {
	h.AddCheck("credential_store", func(ctx context.Context) (bool, error) {
		_, err := store.Get(ctx, domain.CredentialKeyToken)
		if err != nil && !errors.Is(err, domain.ErrCredentialNotFound) {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddHTTPCheck probes url with GET. Any response below 500 means the server
// is reachable.
func (h *HealthChecker) AddHTTPCheck(name, url string, client *http.Client, interval, timeout time.Duration) {
	if client == nil {
		client = http.DefaultClient
	}
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return false, fmt.Errorf("%s returned %d", url, resp.StatusCode)
		}
		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
