package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/infrastructure/realtime"
	"ticketdesk/pkg/utils"
	"ticketdesk/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pusher close/error codes used by the server.
const (
	codeApplicationUnknown  = 4001
	codeOverQuota           = 4004
	codeUnsupportedProtocol = 4007
	codeClientEvent         = 4301
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Verifier checks channel subscription signatures.
type Verifier interface {
	Key() string
	Verify(socketID, channel, channelData, auth string) bool
}

// Metrics records server activity.
type Metrics interface {
	SetConnections(n int)
	RecordSubscription(success bool)
	RecordBroadcast(channel string, delivered int)
}

type Options struct {
	ActivityTimeout   time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
}

type presenceMember struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

type connection struct {
	socketID string
	ws       *websocket.Conn
	writeMu  sync.Mutex
	limiter  *rate.Limiter

	// guarded by WebSocketServer.mu
	channels map[string]presenceMember
}

// WebSocketServer speaks the Pusher protocol to browser and CLI clients and
// delivers broadcasts to channel subscribers on this instance.
type WebSocketServer struct {
	verifier Verifier
	opts     Options
	metrics  Metrics
	logger   *zap.SugaredLogger

	mu          sync.RWMutex
	connections map[string]*connection
	channels    map[string]map[string]*connection
}

func NewWebSocketServer(verifier Verifier, opts Options, metrics Metrics, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = 120 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	return &WebSocketServer{
		verifier:    verifier,
		opts:        opts,
		metrics:     metrics,
		logger:      logger,
		connections: make(map[string]*connection),
		channels:    make(map[string]map[string]*connection),
	}
}

// HandleWebSocket serves /app/{key}.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := &connection{
		socketID: utils.GenerateSocketID(),
		ws:       ws,
		channels: make(map[string]presenceMember),
	}
	if s.opts.MessagesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), max(s.opts.MessageBurst, 1))
	}

	if key != s.verifier.Key() {
		s.logger.Warnw("unknown application key", "key", key)
		s.sendError(conn, codeApplicationUnknown, "application does not exist")
		return
	}
	if r.URL.Query().Get("protocol") != "" && r.URL.Query().Get("protocol") != fmt.Sprint(realtime.ProtocolVersion) {
		s.sendError(conn, codeUnsupportedProtocol, "unsupported protocol version")
		return
	}

	s.register(conn)
	defer s.unregister(conn)

	ws.SetReadLimit(s.opts.MaxMessageSize)
	deadline := s.opts.ActivityTimeout + s.opts.PongTimeout
	ws.SetReadDeadline(time.Now().Add(deadline))

	established, _ := realtime.EncodeServerData(realtime.ConnectionEstablished{
		SocketID:        conn.socketID,
		ActivityTimeout: int(s.opts.ActivityTimeout / time.Second),
	})
	if err := s.send(conn, realtime.Message{Event: realtime.EventConnectionEstablished, Data: established}); err != nil {
		return
	}
	s.logger.Infow("client connected", "socket_id", conn.socketID, "remote", r.RemoteAddr)

	pingTicker := time.NewTicker(s.opts.ActivityTimeout)
	defer pingTicker.Stop()

	messageChan := make(chan realtime.Message, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg realtime.Message
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(deadline))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if conn.limiter != nil && !conn.limiter.Allow() {
				s.sendError(conn, codeOverQuota, "message rate exceeded")
				continue
			}
			if err := s.handleMessage(r.Context(), conn, msg); err != nil {
				s.logger.Infow("error handling message", "socket_id", conn.socketID, "event", msg.Event, "error", err)
			}

		case <-pingTicker.C:
			if err := s.send(conn, realtime.Message{Event: realtime.EventPing, Data: json.RawMessage(`"{}"`)}); err != nil {
				s.logger.Debugw("error sending ping", "socket_id", conn.socketID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("connection closed", "socket_id", conn.socketID, "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) register(conn *connection) {
	s.mu.Lock()
	s.connections[conn.socketID] = conn
	n := len(s.connections)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetConnections(n)
	}
}

func (s *WebSocketServer) unregister(conn *connection) {
	s.mu.Lock()
	delete(s.connections, conn.socketID)
	var departed []struct {
		channel string
		member  presenceMember
	}
	for channel, member := range conn.channels {
		s.removeSubscriberLocked(channel, conn)
		if member.UserID != "" {
			departed = append(departed, struct {
				channel string
				member  presenceMember
			}{channel, member})
		}
	}
	n := len(s.connections)
	s.mu.Unlock()

	for _, d := range departed {
		s.announceMemberRemoved(d.channel, d.member)
	}
	if s.metrics != nil {
		s.metrics.SetConnections(n)
	}
	s.logger.Infow("client disconnected", "socket_id", conn.socketID)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, conn *connection, msg realtime.Message) error {
	switch msg.Event {
	case realtime.EventPing:
		return s.send(conn, realtime.Message{Event: realtime.EventPong, Data: json.RawMessage(`"{}"`)})
	case realtime.EventPong:
		return nil
	case realtime.EventSubscribe:
		return s.handleSubscribe(conn, msg)
	case realtime.EventUnsubscribe:
		return s.handleUnsubscribe(conn, msg)
	}

	if strings.HasPrefix(msg.Event, "client-") {
		s.sendError(conn, codeClientEvent, "client events are not enabled")
		return fmt.Errorf("client event %q rejected", msg.Event)
	}
	return fmt.Errorf("unknown event %q", msg.Event)
}

func (s *WebSocketServer) handleSubscribe(conn *connection, msg realtime.Message) error {
	var data realtime.SubscribeData
	if err := realtime.DecodeData(msg.Data, &data); err != nil {
		s.sendError(conn, 0, "malformed subscribe payload")
		return fmt.Errorf("decode subscribe: %w", err)
	}
	if err := validation.ValidateChannelName(data.Channel); err != nil {
		s.subscriptionError(conn, data.Channel, "InvalidChannel", err.Error(), http.StatusBadRequest)
		return err
	}

	var member presenceMember
	if domain.RequiresAuthorization(data.Channel) {
		if !s.verifier.Verify(conn.socketID, data.Channel, data.ChannelData, data.Auth) {
			s.subscriptionError(conn, data.Channel, "AuthError", "invalid signature", http.StatusUnauthorized)
			return fmt.Errorf("%w: %s", domain.ErrForbidden, data.Channel)
		}
		if domain.IsPresenceChannel(data.Channel) {
			if err := json.Unmarshal([]byte(data.ChannelData), &member); err != nil || member.UserID == "" {
				s.subscriptionError(conn, data.Channel, "AuthError", "presence channel_data must carry user_id", http.StatusBadRequest)
				return errors.New("presence subscription without user_id")
			}
		}
	}

	s.mu.Lock()
	subscribers, ok := s.channels[data.Channel]
	if !ok {
		subscribers = make(map[string]*connection)
		s.channels[data.Channel] = subscribers
	}
	newMember := member.UserID != "" && !s.hasMemberLocked(data.Channel, member.UserID)
	subscribers[conn.socketID] = conn
	conn.channels[data.Channel] = member
	var presence json.RawMessage
	if member.UserID != "" {
		presence = s.presenceDataLocked(data.Channel)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSubscription(true)
	}

	payload := json.RawMessage(`{}`)
	if presence != nil {
		payload = presence
	}
	succeeded, _ := realtime.EncodeServerData(payload)
	if err := s.send(conn, realtime.Message{
		Event:   realtime.EventSubscriptionSucceeded,
		Channel: data.Channel,
		Data:    succeeded,
	}); err != nil {
		return err
	}

	if newMember {
		s.announce(data.Channel, realtime.EventMemberAdded, member, conn.socketID)
	}
	s.logger.Debugw("subscribed", "socket_id", conn.socketID, "channel", data.Channel)
	return nil
}

func (s *WebSocketServer) handleUnsubscribe(conn *connection, msg realtime.Message) error {
	var data realtime.SubscribeData
	if err := realtime.DecodeData(msg.Data, &data); err != nil {
		return fmt.Errorf("decode unsubscribe: %w", err)
	}

	s.mu.Lock()
	member, subscribed := conn.channels[data.Channel]
	if subscribed {
		s.removeSubscriberLocked(data.Channel, conn)
	}
	s.mu.Unlock()

	if subscribed && member.UserID != "" {
		s.announceMemberRemoved(data.Channel, member)
	}
	return nil
}

func (s *WebSocketServer) removeSubscriberLocked(channel string, conn *connection) {
	delete(conn.channels, channel)
	if subscribers, ok := s.channels[channel]; ok {
		delete(subscribers, conn.socketID)
		if len(subscribers) == 0 {
			delete(s.channels, channel)
		}
	}
}

func (s *WebSocketServer) hasMemberLocked(channel, userID string) bool {
	for _, c := range s.channels[channel] {
		if c.channels[channel].UserID == userID {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) presenceDataLocked(channel string) json.RawMessage {
	hash := map[string]json.RawMessage{}
	for _, c := range s.channels[channel] {
		m := c.channels[channel]
		if m.UserID == "" {
			continue
		}
		info := m.UserInfo
		if info == nil {
			info = json.RawMessage(`null`)
		}
		hash[m.UserID] = info
	}
	ids := make([]string, 0, len(hash))
	for id := range hash {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, _ := json.Marshal(map[string]any{
		"presence": map[string]any{
			"ids":   ids,
			"hash":  hash,
			"count": len(ids),
		},
	})
	return data
}

func (s *WebSocketServer) announceMemberRemoved(channel string, member presenceMember) {
	s.mu.RLock()
	stillPresent := s.hasMemberLocked(channel, member.UserID)
	s.mu.RUnlock()
	if !stillPresent {
		s.announce(channel, realtime.EventMemberRemoved, presenceMember{UserID: member.UserID}, "")
	}
}

func (s *WebSocketServer) announce(channel, event string, member presenceMember, exceptSocket string) {
	data, err := realtime.EncodeServerData(member)
	if err != nil {
		return
	}
	s.deliver(channel, realtime.Message{Event: event, Channel: channel, Data: data}, exceptSocket)
}

// Broadcast delivers an application event to every local subscriber of
// channel.
func (s *WebSocketServer) Broadcast(ctx context.Context, channel, event string, data json.RawMessage) error {
	if err := validation.ValidateChannelName(channel); err != nil {
		return err
	}
	if err := validation.ValidateEventName(event); err != nil {
		return err
	}
	payload, err := realtime.EncodeServerData(data)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}

	delivered, failed := s.deliver(channel, realtime.Message{Event: event, Channel: channel, Data: payload}, "")
	if s.metrics != nil {
		s.metrics.RecordBroadcast(channel, delivered)
	}
	s.logger.Debugw("broadcast", "channel", channel, "event", event, "delivered", delivered, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("broadcast completed with %d errors", failed)
	}
	return nil
}

func (s *WebSocketServer) deliver(channel string, msg realtime.Message, exceptSocket string) (delivered, failed int) {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.channels[channel]))
	for id, c := range s.channels[channel] {
		if id != exceptSocket {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := s.send(c, msg); err != nil {
			failed++
			s.logger.Debugw("delivery failed", "socket_id", c.socketID, "channel", channel, "error", err)
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (s *WebSocketServer) send(conn *connection, msg realtime.Message) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.ws.WriteJSON(msg)
}

func (s *WebSocketServer) sendError(conn *connection, code int, message string) {
	payload := realtime.ErrorData{Message: message}
	if code != 0 {
		payload.Code = &code
	}
	data, _ := realtime.EncodeServerData(payload)
	s.send(conn, realtime.Message{Event: realtime.EventError, Data: data})
}

func (s *WebSocketServer) subscriptionError(conn *connection, channel, kind, message string, status int) {
	if s.metrics != nil {
		s.metrics.RecordSubscription(false)
	}
	data, _ := realtime.EncodeServerData(realtime.SubscriptionErrorData{Type: kind, Error: message, Status: status})
	s.send(conn, realtime.Message{Event: realtime.EventSubscriptionError, Channel: channel, Data: data})
}

// HealthCheck reports connection and channel counts.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connections, channels := len(s.connections), len(s.channels)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "healthy",
		"connections": connections,
		"channels":    channels,
	})
}

// Subscribers returns the socket ids subscribed to channel.
func (s *WebSocketServer) Subscribers(channel string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.channels[channel]))
	for id := range s.channels[channel] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionCount returns the number of open sockets.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
