package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticketdesk/internal/core/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventBroadcast EventType = "broadcast"
)

const DefaultChannel = "ticketdesk:events"

// Event represents a distributed event
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Channel    string          `json:"channel,omitempty"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrAlreadySubscribed = errors.New("event bus already subscribed")
	ErrBusClosed         = errors.New("event bus closed")
)

// EventBus shares broadcasts between deskd instances over Redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

// NewEventBus creates a new event bus. An empty instanceID gets a random one.
func NewEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"id", event.ID,
		"type", event.Type,
		"channel", event.Channel,
		"name", event.Name,
	)
	return nil
}

// PublishBroadcast publishes an application event for other instances.
func (eb *EventBus) PublishBroadcast(ctx context.Context, channel, name string, payload json.RawMessage) error {
	return eb.Publish(ctx, &Event{
		Type:    EventBroadcast,
		Channel: channel,
		Name:    name,
		Payload: payload,
	})
}

// Subscribe calls handler for every event published by other instances until
// ctx is done. ready, if non-nil, is closed once the subscription is live.
func (eb *EventBus) Subscribe(ctx context.Context, ready chan<- struct{}, handler func(context.Context, *Event) error) error {
	eb.mu.Lock()
	switch {
	case eb.closed:
		eb.mu.Unlock()
		return ErrBusClosed
	case eb.pubsub != nil:
		eb.mu.Unlock()
		return ErrAlreadySubscribed
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(ctx, &event); err != nil {
				eb.logger.Warnw("error handling event",
					"id", event.ID,
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Relay delivers broadcasts from other instances to the local broadcaster.
func (eb *EventBus) Relay(ctx context.Context, ready chan<- struct{}, local ports.Broadcaster) error {
	return eb.Subscribe(ctx, ready, func(ctx context.Context, event *Event) error {
		if event.Type != EventBroadcast {
			return nil
		}
		return local.Broadcast(ctx, event.Channel, event.Name, event.Payload)
	})
}

// Close ends the subscription, if any. A closed bus cannot subscribe again.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return nil
	}
	eb.closed = true
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

// FanoutBroadcaster delivers locally and forwards to the other instances.
type FanoutBroadcaster struct {
	local  ports.Broadcaster
	bus    *EventBus
	logger *zap.SugaredLogger
}

func NewFanoutBroadcaster(local ports.Broadcaster, bus *EventBus, logger *zap.SugaredLogger) *FanoutBroadcaster {
	return &FanoutBroadcaster{local: local, bus: bus, logger: logger}
}

func (f *FanoutBroadcaster) Broadcast(ctx context.Context, channel, event string, data json.RawMessage) error {
	localErr := f.local.Broadcast(ctx, channel, event, data)
	if f.bus == nil {
		return localErr
	}
	if err := f.bus.PublishBroadcast(ctx, channel, event, data); err != nil {
		f.logger.Warnw("failed to forward broadcast", "channel", channel, "event", event, "error", err)
		return errors.Join(localErr, err)
	}
	return localErr
}
