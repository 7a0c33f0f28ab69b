package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"
	"ticketdesk/pkg/circuitbreaker"
	"ticketdesk/pkg/retry"
	"ticketdesk/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	Version = "1.0.0"

	maxFrameBytes           = 1 << 20
	writeTimeout            = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultActivityTimeout  = 120 * time.Second
	defaultPongTimeout      = 30 * time.Second
)

var (
	ErrHandshake    = errors.New("realtime handshake failed")
	ErrRejected     = errors.New("realtime connection rejected")
	ErrSubscription = errors.New("subscription failed")
	ErrNoAuthorizer = errors.New("no channel authorizer configured")
)

type State string

const (
	StateInitialized  State = "initialized"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnavailable  State = "unavailable"
	StateFailed       State = "failed"
	StateDisconnected State = "disconnected"
)

// Metrics records realtime activity.
type Metrics interface {
	RecordRealtimeEvent(event string)
	RecordReconnect()
}

type Config struct {
	Key      string
	Host     string
	Port     int
	ForceTLS bool

	ActivityTimeout  time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration

	Reconnect retry.Config
	Breaker   circuitbreaker.Config
}

// URL is the websocket endpoint for the app key.
func (c Config) URL() string {
	scheme := "ws"
	if c.ForceTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/app/" + c.Key,
	}
	u.RawQuery = url.Values{
		"protocol": {strconv.Itoa(ProtocolVersion)},
		"client":   {"ticketdesk-go"},
		"version":  {Version},
		"flash":    {"false"},
	}.Encode()
	return u.String()
}

// Client is a Pusher protocol client. Channels survive reconnects: every new
// socket re-subscribes them, fetching a fresh grant for private channels.
type Client struct {
	cfg        Config
	authorizer ports.ChannelAuthorizer
	logger     *zap.SugaredLogger
	metrics    Metrics
	dialer     *websocket.Dialer
	breaker    *circuitbreaker.CircuitBreaker

	mu         sync.Mutex
	conn       *websocket.Conn
	socketID   string
	state      State
	channels   map[string]*Channel
	stateHooks []func(from, to State)
	runCtx     context.Context

	writeMu sync.Mutex
}

type Option func(*Client)

func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func NewClient(cfg Config, authorizer ports.ChannelAuthorizer, logger *zap.SugaredLogger, opts ...Option) (*Client, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("realtime app key must not be empty")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("realtime host must not be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("realtime port out of range: %d", cfg.Port)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaultActivityTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	c := &Client{
		cfg:        cfg,
		authorizer: authorizer,
		logger:     logger,
		dialer:     websocket.DefaultDialer,
		breaker:    circuitbreaker.New("realtime", cfg.Breaker),
		state:      StateInitialized,
		channels:   make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		c.logger.Warnw("circuit breaker state changed", "breaker", name, "from", from, "to", to)
	})
	return c, nil
}

// OnStateChange registers fn to run after every connection state change.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHooks = append(c.stateHooks, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SocketID returns the id of the live socket, or "".
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	hooks := append([]func(from, to State){}, c.stateHooks...)
	c.mu.Unlock()

	c.logger.Debugw("realtime state changed", "from", from, "to", to)
	for _, fn := range hooks {
		fn(from, to)
	}
}

// Subscribe returns the channel handle for name, subscribing immediately when
// connected. Calling it again for the same name returns the same handle.
func (c *Client) Subscribe(name string) *Channel {
	c.mu.Lock()
	ch, exists := c.channels[name]
	if !exists {
		ch = newChannel(name)
		c.channels[name] = ch
	}
	socketID := c.socketID
	ctx := c.runCtx
	connected := c.conn != nil
	c.mu.Unlock()

	if !exists && connected {
		c.subscribe(ctx, ch, socketID)
	}
	return ch
}

// Unsubscribe drops the channel and its handlers.
func (c *Client) Unsubscribe(name string) {
	c.mu.Lock()
	ch, exists := c.channels[name]
	delete(c.channels, name)
	conn := c.conn
	c.mu.Unlock()

	if !exists {
		return
	}
	ch.setSubscribed(false)
	if conn != nil {
		data, _ := EncodeClientData(SubscribeData{Channel: name})
		if err := c.write(conn, Message{Event: EventUnsubscribe, Data: data}); err != nil {
			c.logger.Warnw("failed to send unsubscribe", "channel", name, "error", err)
		}
	}
}

// Channel returns the handle for a subscribed channel, or nil.
func (c *Client) Channel(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

// Run connects and keeps the connection alive until ctx is done. It returns
// nil on cancellation and an error when the server rejects the client or
// reconnect attempts are exhausted.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx != nil {
		c.mu.Unlock()
		return fmt.Errorf("realtime client already running")
	}
	c.runCtx = ctx
	c.mu.Unlock()

	retryCfg := c.cfg.Reconnect
	retryCfg.Permanent = append(append([]error{}, retryCfg.Permanent...), ErrRejected)
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.setState(StateUnavailable)
		c.logger.Warnw("realtime connect failed",
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
	}

	for {
		var (
			conn        *websocket.Conn
			established ConnectionEstablished
		)
		err := retry.Retry(ctx, retryCfg, func(ctx context.Context) error {
			c.setState(StateConnecting)
			return c.breaker.Execute(ctx, func(ctx context.Context) error {
				cn, est, err := c.dial(ctx)
				if err != nil {
					return err
				}
				conn, established = cn, est
				return nil
			})
		})
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return nil
			}
			c.setState(StateFailed)
			return err
		}

		err = c.serve(ctx, conn, established)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		var perr *ProtocolError
		isProtocolErr := errors.As(err, &perr)
		if isProtocolErr && perr.Fatal() {
			c.setState(StateFailed)
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}

		c.setState(StateUnavailable)
		c.logger.Warnw("realtime connection lost", "error", err)
		if c.metrics != nil {
			c.metrics.RecordReconnect()
		}

		if !isProtocolErr || !perr.Immediate() {
			timer := time.NewTimer(retry.Backoff(c.cfg.Reconnect, 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				c.setState(StateDisconnected)
				return nil
			case <-timer.C:
			}
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, ConnectionEstablished, error) {
	var est ConnectionEstablished

	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	target := c.cfg.URL()
	conn, resp, err := c.dialer.DialContext(dctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, est, fmt.Errorf("dial %s: status %d: %w", target, resp.StatusCode, err)
		}
		return nil, est, fmt.Errorf("dial %s: %w", target, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return nil, est, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	switch msg.Event {
	case EventConnectionEstablished:
		if err := DecodeData(msg.Data, &est); err != nil || est.SocketID == "" {
			conn.Close()
			return nil, est, fmt.Errorf("%w: malformed connection_established", ErrHandshake)
		}
		return conn, est, nil
	case EventError:
		conn.Close()
		perr := decodeProtocolError(msg.Data)
		if perr.Fatal() {
			return nil, est, fmt.Errorf("%w: %w", ErrRejected, perr)
		}
		return nil, est, perr
	default:
		conn.Close()
		return nil, est, fmt.Errorf("%w: unexpected first event %q", ErrHandshake, msg.Event)
	}
}

func decodeProtocolError(raw json.RawMessage) *ProtocolError {
	var data ErrorData
	if err := DecodeData(raw, &data); err != nil {
		return &ProtocolError{Message: string(raw)}
	}
	perr := &ProtocolError{Message: data.Message}
	if data.Code != nil {
		perr.Code = *data.Code
	}
	return perr
}

// serve runs one connected socket until it drops or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, est ConnectionEstablished) error {
	activity := c.cfg.ActivityTimeout
	if server := time.Duration(est.ActivityTimeout) * time.Second; server > 0 && server < activity {
		activity = server
	}

	c.mu.Lock()
	c.conn = conn
	c.socketID = est.SocketID
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.socketID = ""
		}
		remaining := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			remaining = append(remaining, ch)
		}
		c.mu.Unlock()

		conn.Close()
		for _, ch := range remaining {
			ch.setSubscribed(false)
		}
	}()

	c.setState(StateConnected)
	c.logger.Infow("realtime connected", "socket_id", est.SocketID, "activity_timeout", activity)

	for _, ch := range channels {
		c.subscribe(ctx, ch, est.SocketID)
	}

	// Ping when the server has been quiet for the activity timeout; the read
	// deadline then allows PongTimeout for any reply.
	idle := time.AfterFunc(activity, func() {
		if err := c.write(conn, Message{Event: EventPing, Data: json.RawMessage(`{}`)}); err != nil {
			c.logger.Debugw("ping failed", "error", err)
		}
	})
	defer idle.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(activity + c.cfg.PongTimeout))

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		idle.Reset(activity)

		if err := c.handle(ctx, conn, msg); err != nil {
			return err
		}
	}
}

func (c *Client) handle(ctx context.Context, conn *websocket.Conn, msg Message) error {
	switch msg.Event {
	case EventPing:
		return c.write(conn, Message{Event: EventPong, Data: json.RawMessage(`{}`)})

	case EventPong:
		return nil

	case EventError:
		perr := decodeProtocolError(msg.Data)
		if perr.Code >= 4000 && perr.Code < 4300 {
			return perr
		}
		c.logger.Warnw("realtime server error", "code", perr.Code, "message", perr.Message)
		return nil

	case EventSubscriptionSucceeded:
		if ch := c.Channel(msg.Channel); ch != nil {
			c.logger.Infow("subscribed", "channel", msg.Channel)
			ch.succeeded(NormalizeData(msg.Data))
		}
		return nil

	case EventSubscriptionError:
		if ch := c.Channel(msg.Channel); ch != nil {
			var data SubscriptionErrorData
			if err := DecodeData(msg.Data, &data); err != nil {
				c.logger.Warnw("undecodable subscription error", "channel", msg.Channel, "error", err)
			}
			reason := data.Error
			if reason == "" {
				reason = rawReason(msg.Data)
			}
			c.logger.Warnw("subscription rejected", "channel", msg.Channel, "status", data.Status, "error", reason)
			ch.failed(fmt.Errorf("%w: %s: %s", ErrSubscription, msg.Channel, reason))
		}
		return nil

	case EventMemberAdded, EventMemberRemoved:
		if ch := c.Channel(msg.Channel); ch != nil {
			event := "pusher:member_added"
			if msg.Event == EventMemberRemoved {
				event = "pusher:member_removed"
			}
			ch.dispatch(event, NormalizeData(msg.Data))
		}
		return nil
	}

	if msg.Channel == "" {
		c.logger.Debugw("ignoring unscoped event", "event", msg.Event)
		return nil
	}
	ch := c.Channel(msg.Channel)
	if ch == nil {
		return nil
	}

	_, span := tracing.TraceRealtimeMessage(ctx, msg.Event, msg.Channel)
	handled := ch.dispatch(msg.Event, NormalizeData(msg.Data))
	span.End()

	if c.metrics != nil {
		c.metrics.RecordRealtimeEvent(msg.Event)
	}
	c.logger.Debugw("realtime event", "channel", msg.Channel, "event", msg.Event, "handlers", handled)
	return nil
}

// subscribe sends pusher:subscribe for ch on the socket identified by
// socketID, fetching a grant first for private and presence channels.
func (c *Client) subscribe(ctx context.Context, ch *Channel, socketID string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !ch.Private() {
		c.sendSubscribe(ch, socketID, SubscribeData{Channel: ch.name})
		return
	}
	if c.authorizer == nil {
		ch.failed(fmt.Errorf("%w: %s: %w", domain.ErrChannelAuthorization, ch.name, ErrNoAuthorizer))
		return
	}

	c.authorizer.Authorize(ctx, socketID, ch.name, func(grant json.RawMessage, err error) {
		if !c.isCurrent(ch, socketID) {
			c.logger.Debugw("discarding stale channel grant", "channel", ch.name, "socket_id", socketID)
			return
		}
		if err != nil {
			ch.failed(err)
			return
		}
		g, err := domain.DecodeChannelGrant(grant)
		if err != nil || g.Auth == "" {
			ch.failed(fmt.Errorf("%w: %s: malformed grant", domain.ErrChannelAuthorization, ch.name))
			return
		}
		c.sendSubscribe(ch, socketID, SubscribeData{
			Channel:     ch.name,
			Auth:        g.Auth,
			ChannelData: g.ChannelData,
		})
	})
}

func (c *Client) isCurrent(ch *Channel, socketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID == socketID && c.channels[ch.name] == ch
}

func (c *Client) sendSubscribe(ch *Channel, socketID string, data SubscribeData) {
	c.mu.Lock()
	conn := c.conn
	current := c.socketID == socketID
	c.mu.Unlock()
	if conn == nil || !current {
		return
	}

	payload, err := EncodeClientData(data)
	if err != nil {
		ch.failed(err)
		return
	}
	if err := c.write(conn, Message{Event: EventSubscribe, Data: payload}); err != nil {
		c.logger.Warnw("failed to send subscribe", "channel", ch.name, "error", err)
	}
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// rawReason renders frame data that is not a subscription error object.
func rawReason(raw json.RawMessage) string {
	data := NormalizeData(raw)
	var text string
	if json.Unmarshal(data, &text) == nil {
		return text
	}
	return string(data)
}
