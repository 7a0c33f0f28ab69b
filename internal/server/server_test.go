package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/infrastructure/distributed"
	"ticketdesk/internal/infrastructure/realtime"
	"ticketdesk/pkg/config"
	"ticketdesk/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Credentials.Backend = config.CredentialsBackendMemory
	cfg.Auth.JWTSecret = "server-test-secret"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(cfg, logger.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func login(t *testing.T, baseURL, email string) domain.AuthResult {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "password": "password"})
	resp, err := http.Post(baseURL+"/api/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result domain.AuthResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAccounts(t *testing.T) {
	accounts, err := Accounts(config.DefaultConfig().Auth.Users)
	require.NoError(t, err)
	assert.Len(t, accounts, 3)

	_, err = Accounts([]config.FixtureUser{{ID: 9, Email: "x@example.com", Password: "password", Role: "root"}})
	assert.Error(t, err)
}

func TestNew_RequiresAppCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Broadcasting.AppSecret = ""
	_, err := New(cfg, logger.NewNop(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestServer_LoginAndTickets(t *testing.T) {
	s := newTestServer(t, testConfig())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	result := login(t, srv.URL, "customer@example.com")
	require.NotEmpty(t, result.Token)
	assert.Equal(t, domain.RoleCustomer, result.User.Role.Name)

	resp := get(t, srv.URL+"/api/tickets", result.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page domain.TicketPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, 3, page.Total)
	for _, ticket := range page.Data {
		assert.Equal(t, domain.UserID(3), ticket.CustomerID)
	}

	assert.Equal(t, http.StatusUnauthorized, get(t, srv.URL+"/api/tickets", "").StatusCode)
	assert.NotEmpty(t, get(t, srv.URL+"/api/user", result.Token).Header.Get("X-Request-ID"))
}

func TestServer_HealthReadyAndMetrics(t *testing.T) {
	s := newTestServer(t, testConfig())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp := get(t, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, 0, health["connections"])

	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/ready", "").StatusCode)

	login(t, srv.URL, "admin@example.com")
	resp = get(t, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ticketdesk_tokens_issued_total")
}

func TestServer_MetricsCanBeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.PrometheusEnabled = false
	s := newTestServer(t, cfg)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/metrics", "").StatusCode)
}

func dialRealtime(t *testing.T, baseURL, key string) (*websocket.Conn, realtime.Message) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/app/" + key + "?protocol=7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var first realtime.Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	return conn, first
}

func subscribePublic(t *testing.T, conn *websocket.Conn, channel string) {
	t.Helper()
	data, err := realtime.EncodeClientData(realtime.SubscribeData{Channel: channel})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(realtime.Message{Event: realtime.EventSubscribe, Data: data}))

	var msg realtime.Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, realtime.EventSubscriptionSucceeded, msg.Event)
}

func TestServer_RealtimeEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, first := dialRealtime(t, srv.URL, "ticketdesk")
	assert.Equal(t, realtime.EventConnectionEstablished, first.Event)

	_, rejected := dialRealtime(t, srv.URL, "other-app")
	assert.Equal(t, realtime.EventError, rejected.Event)
}

func TestServer_BroadcastsFanOutOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	newNode := func() (*Server, string) {
		cfg := testConfig()
		cfg.Redis.Enabled = true
		cfg.Redis.Address = mr.Addr()
		s := newTestServer(t, cfg)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Serve(ctx, ln)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		return s, "http://" + ln.Addr().String()
	}

	publisher, _ := newNode()
	_, subscriberURL := newNode()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(distributed.DefaultChannel)[distributed.DefaultChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	conn, _ := dialRealtime(t, subscriberURL, "ticketdesk")
	subscribePublic(t, conn, "announcements")

	require.NoError(t, publisher.Broadcaster().Broadcast(context.Background(), "announcements", "Notice", json.RawMessage(`{"text":"maintenance"}`)))

	var msg realtime.Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "Notice", msg.Event)
	assert.Equal(t, "announcements", msg.Channel)

	var payload map[string]string
	require.NoError(t, realtime.DecodeData(msg.Data, &payload))
	assert.Equal(t, "maintenance", payload["text"])
}
