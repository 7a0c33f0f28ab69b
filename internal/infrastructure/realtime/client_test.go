package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/services"
	"ticketdesk/pkg/circuitbreaker"
	"ticketdesk/pkg/logger"
	"ticketdesk/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "desk-key"
	testSecret = "desk-secret"
)

type subscribeRecord struct {
	socketID string
	data     SubscribeData
}

// fakePusher is a minimal Pusher server that verifies subscription signatures.
type fakePusher struct {
	t      *testing.T
	srv    *httptest.Server
	signer *services.BroadcastAuthService

	mu         sync.Mutex
	seq        int
	conns      map[string]*websocket.Conn
	writeMu    map[string]*sync.Mutex
	subscribes []subscribeRecord
	pongs      int
	rejectCode int
}

func newFakePusher(t *testing.T) *fakePusher {
	t.Helper()
	p := &fakePusher{
		t:       t,
		signer:  services.NewBroadcastAuthService(testKey, testSecret),
		conns:   make(map[string]*websocket.Conn),
		writeMu: make(map[string]*sync.Mutex),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p.mu.Lock()
		if p.rejectCode != 0 {
			code := p.rejectCode
			p.mu.Unlock()
			data, _ := EncodeServerData(ErrorData{Message: "rejected", Code: &code})
			conn.WriteJSON(Message{Event: EventError, Data: data})
			return
		}
		p.seq++
		socketID := fmt.Sprintf("%d.%d", p.seq, 1000+p.seq)
		p.conns[socketID] = conn
		p.writeMu[socketID] = &sync.Mutex{}
		p.mu.Unlock()

		est, _ := EncodeServerData(ConnectionEstablished{SocketID: socketID, ActivityTimeout: 120})
		p.send(socketID, Message{Event: EventConnectionEstablished, Data: est})

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				p.mu.Lock()
				delete(p.conns, socketID)
				p.mu.Unlock()
				return
			}
			p.handle(socketID, msg)
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePusher) handle(socketID string, msg Message) {
	switch msg.Event {
	case EventPing:
		p.send(socketID, Message{Event: EventPong})
	case EventPong:
		p.mu.Lock()
		p.pongs++
		p.mu.Unlock()
	case EventSubscribe:
		var data SubscribeData
		if err := DecodeData(msg.Data, &data); err != nil {
			return
		}
		p.mu.Lock()
		p.subscribes = append(p.subscribes, subscribeRecord{socketID: socketID, data: data})
		p.mu.Unlock()

		if domain.RequiresAuthorization(data.Channel) &&
			!p.signer.Verify(socketID, data.Channel, data.ChannelData, data.Auth) {
			errData, _ := EncodeServerData(SubscriptionErrorData{Type: "AuthError", Error: "invalid signature", Status: 401})
			p.send(socketID, Message{Event: EventSubscriptionError, Channel: data.Channel, Data: errData})
			return
		}
		ok, _ := EncodeServerData(json.RawMessage(`{}`))
		p.send(socketID, Message{Event: EventSubscriptionSucceeded, Channel: data.Channel, Data: ok})
	}
}

func (p *fakePusher) send(socketID string, msg Message) {
	p.mu.Lock()
	conn := p.conns[socketID]
	wmu := p.writeMu[socketID]
	p.mu.Unlock()
	if conn == nil {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	conn.WriteJSON(msg)
}

func (p *fakePusher) trigger(channel, event string, payload any) {
	data, err := EncodeServerData(payload)
	require.NoError(p.t, err)

	p.mu.Lock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.send(id, Message{Event: event, Channel: channel, Data: data})
	}
}

func (p *fakePusher) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		conn.Close()
		delete(p.conns, id)
	}
}

func (p *fakePusher) subscriptions(channel string) []subscribeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []subscribeRecord
	for _, s := range p.subscribes {
		if s.data.Channel == channel {
			out = append(out, s)
		}
	}
	return out
}

func (p *fakePusher) config(t *testing.T) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(p.srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Config{
		Key:  testKey,
		Host: host,
		Port: port,
		Reconnect: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2,
		},
		Breaker: circuitbreaker.Config{FailureThreshold: 10, Timeout: time.Second},
	}
}

// signingAPI authorizes channels in-process for a fixed user, optionally
// holding the first request until gate is closed.
type signingAPI struct {
	signer *services.BroadcastAuthService
	user   *domain.User

	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (a *signingAPI) AuthorizeChannel(ctx context.Context, req domain.ChannelAuthRequest) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls++
	first := a.calls == 1
	gate := a.gate
	a.mu.Unlock()

	if first && gate != nil {
		<-gate
	}
	grant, err := a.signer.Authorize(a.user, req.SocketID, req.ChannelName)
	if err != nil {
		return nil, err
	}
	return json.Marshal(grant)
}

var agent = &domain.User{ID: 2, Name: "Alan", Role: domain.RoleRef{Name: domain.RoleAgent}}
var customer = &domain.User{ID: 3, Name: "Cora", Role: domain.RoleRef{Name: domain.RoleCustomer}}

func startClient(t *testing.T, p *fakePusher, api *signingAPI) (*Client, <-chan error) {
	t.Helper()
	authorizer := services.NewChannelAuthorizer(api, logger.NewNop(), nil, time.Second)
	c, err := NewClient(p.config(t), authorizer, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errs <- c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return c, errs
}

func newSigningAPI(p *fakePusher, user *domain.User) *signingAPI {
	return &signingAPI{signer: p.signer, user: user}
}

func waitSubscribed(t *testing.T, ch *Channel) {
	t.Helper()
	require.Eventually(t, ch.IsSubscribed, 2*time.Second, 5*time.Millisecond, "channel %s never subscribed", ch.Name())
}

func TestNewClient_ValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{Host: "localhost", Port: 1}, nil, logger.NewNop())
	assert.Error(t, err)
	_, err = NewClient(Config{Key: "k", Port: 1}, nil, logger.NewNop())
	assert.Error(t, err)
	_, err = NewClient(Config{Key: "k", Host: "localhost", Port: 70000}, nil, logger.NewNop())
	assert.Error(t, err)
}

func TestClient_PublicChannelReceivesEvents(t *testing.T) {
	p := newFakePusher(t)
	c, _ := startClient(t, p, newSigningAPI(p, agent))

	ch := c.Subscribe("announcements")
	events := make(chan json.RawMessage, 1)
	ch.Bind("MaintenanceScheduled", func(event string, data json.RawMessage) {
		events <- data
	})
	waitSubscribed(t, ch)

	p.trigger("announcements", "MaintenanceScheduled", map[string]string{"at": "02:00"})

	select {
	case data := <-events:
		assert.JSONEq(t, `{"at":"02:00"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.SocketID())
}

func TestClient_PrivateChannelIsAuthorizedPerSocket(t *testing.T) {
	p := newFakePusher(t)
	c, _ := startClient(t, p, newSigningAPI(p, agent))

	ch := c.Subscribe("private-tickets.3")
	subscribed := make(chan struct{}, 4)
	ch.OnSubscribed(func(json.RawMessage) { subscribed <- struct{}{} })
	waitSubscribed(t, ch)

	subs := p.subscriptions("private-tickets.3")
	require.Len(t, subs, 1)
	assert.True(t, p.signer.Verify(subs[0].socketID, "private-tickets.3", "", subs[0].data.Auth))
	<-subscribed
}

func TestClient_AuthorizationFailureReachesChannel(t *testing.T) {
	p := newFakePusher(t)
	c, _ := startClient(t, p, newSigningAPI(p, customer))

	ch := c.Subscribe("private-tickets.9")
	failures := make(chan error, 1)
	ch.OnError(func(err error) { failures <- err })

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, domain.ErrChannelAuthorization)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	case <-time.After(2 * time.Second):
		t.Fatal("authorization failure not reported")
	}
	assert.False(t, ch.IsSubscribed())
	assert.Empty(t, p.subscriptions("private-tickets.9"))
}

func TestClient_SubscriptionErrorKeepsUnstructuredReason(t *testing.T) {
	tests := []struct {
		name   string
		data   json.RawMessage
		reason string
	}{
		{"plain string", json.RawMessage(`"Channel closed by server"`), "Channel closed by server"},
		{"unexpected object", json.RawMessage(`"{\"status\":\"gone\"}"`), `{"status":"gone"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePusher(t)
			c, _ := startClient(t, p, newSigningAPI(p, agent))

			ch := c.Subscribe("announcements")
			failures := make(chan error, 1)
			ch.OnError(func(err error) { failures <- err })
			waitSubscribed(t, ch)

			p.send(c.SocketID(), Message{Event: EventSubscriptionError, Channel: "announcements", Data: tt.data})

			select {
			case err := <-failures:
				assert.ErrorIs(t, err, ErrSubscription)
				assert.Contains(t, err.Error(), tt.reason)
			case <-time.After(2 * time.Second):
				t.Fatal("subscription error not reported")
			}
			assert.False(t, ch.IsSubscribed())
		})
	}
}

func TestClient_ReconnectResubscribesWithFreshGrant(t *testing.T) {
	p := newFakePusher(t)
	c, _ := startClient(t, p, newSigningAPI(p, agent))

	ch := c.Subscribe("private-tickets.3")
	waitSubscribed(t, ch)
	firstSocket := c.SocketID()

	p.dropAll()

	require.Eventually(t, func() bool {
		return len(p.subscriptions("private-tickets.3")) == 2 && ch.IsSubscribed()
	}, 3*time.Second, 10*time.Millisecond)

	subs := p.subscriptions("private-tickets.3")
	assert.NotEqual(t, subs[0].socketID, subs[1].socketID)
	assert.NotEqual(t, firstSocket, c.SocketID())
	for _, s := range subs {
		assert.True(t, p.signer.Verify(s.socketID, "private-tickets.3", "", s.data.Auth))
	}
}

func TestClient_DiscardsGrantForReplacedSocket(t *testing.T) {
	p := newFakePusher(t)
	api := newSigningAPI(p, agent)
	api.gate = make(chan struct{})
	c, _ := startClient(t, p, api)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	ch := c.Subscribe("private-tickets.3")

	// The first grant is held while the socket is replaced.
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.calls == 1
	}, 2*time.Second, 5*time.Millisecond)
	p.dropAll()

	waitSubscribed(t, ch)
	close(api.gate)
	time.Sleep(50 * time.Millisecond)

	subs := p.subscriptions("private-tickets.3")
	require.Len(t, subs, 1, "the stale grant must not be sent")
	assert.Equal(t, c.SocketID(), subs[0].socketID)
}

func TestClient_AnswersServerPing(t *testing.T) {
	p := newFakePusher(t)
	c, _ := startClient(t, p, newSigningAPI(p, agent))
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	p.send(c.SocketID(), Message{Event: EventPing, Data: json.RawMessage(`"{}"`)})

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.pongs == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_FatalRejectionStops(t *testing.T) {
	p := newFakePusher(t)
	p.rejectCode = 4001
	c, errs := startClient(t, p, newSigningAPI(p, agent))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrRejected)
		assert.Equal(t, StateFailed, c.State())
	case <-time.After(2 * time.Second):
		t.Fatal("client kept retrying after a fatal rejection")
	}
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	p := newFakePusher(t)
	c, _ := startClient(t, p, newSigningAPI(p, agent))

	ch := c.Subscribe("announcements")
	waitSubscribed(t, ch)

	c.Unsubscribe("announcements")

	assert.Nil(t, c.Channel("announcements"))
	assert.False(t, ch.IsSubscribed())
}
