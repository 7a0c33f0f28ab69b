package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	"ticketdesk/pkg/tracing"
	"ticketdesk/pkg/validation"

	"go.uber.org/zap"
)

// ChannelAuthorizer performs the broadcasting authorization handshake for
// one subscription attempt at a time. It keeps no state between calls and
// never retries; the realtime transport decides what to do with a failure.
type ChannelAuthorizer struct {
	api     ports.BroadcastAuthAPI
	logger  *zap.SugaredLogger
	metrics ports.ChannelAuthMetrics
	timeout time.Duration
}

func NewChannelAuthorizer(api ports.BroadcastAuthAPI, logger *zap.SugaredLogger, metrics ports.ChannelAuthMetrics, timeout time.Duration) *ChannelAuthorizer {
	return &ChannelAuthorizer{
		api:     api,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
	}
}

// Authorize returns immediately and reports the outcome through done,
// exactly once, from another goroutine.
func (a *ChannelAuthorizer) Authorize(ctx context.Context, socketID, channelName string, done ports.AuthorizeCallback) {
	go func() {
		grant, err := a.authorize(ctx, socketID, channelName)
		done(grant, err)
	}()
}

// AuthorizeSync is the blocking form of Authorize.
func (a *ChannelAuthorizer) AuthorizeSync(ctx context.Context, socketID, channelName string) (json.RawMessage, error) {
	return a.authorize(ctx, socketID, channelName)
}

func (a *ChannelAuthorizer) authorize(ctx context.Context, socketID, channelName string) (json.RawMessage, error) {
	start := time.Now()
	ctx, span := tracing.TraceChannelAuthorization(ctx, socketID, channelName)
	defer span.End()

	grant, err := a.exchange(ctx, socketID, channelName)

	if a.metrics != nil {
		a.metrics.RecordChannelAuthorization(err == nil, time.Since(start))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		a.logger.Errorw("channel authorization failed",
			"socket_id", socketID,
			"channel", channelName,
			"error", err,
		)
		return nil, err
	}

	a.logger.Debugw("channel authorized", "socket_id", socketID, "channel", channelName)
	return grant, nil
}

func (a *ChannelAuthorizer) exchange(ctx context.Context, socketID, channelName string) (json.RawMessage, error) {
	if err := validation.ValidateSocketID(socketID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrChannelAuthorization, err)
	}
	if err := validation.ValidateChannelName(channelName); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrChannelAuthorization, err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	grant, err := a.api.AuthorizeChannel(ctx, domain.ChannelAuthRequest{
		SocketID:    socketID,
		ChannelName: channelName,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrChannelAuthorization, channelName, err)
	}
	if !json.Valid(grant) {
		return nil, fmt.Errorf("%w: %s: response is not JSON", domain.ErrChannelAuthorization, channelName)
	}
	return grant, nil
}
