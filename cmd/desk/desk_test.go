package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/server"
	"ticketdesk/pkg/config"
	"ticketdesk/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDeskd(t *testing.T) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.Credentials.Backend = config.CredentialsBackendMemory
	s, err := server.New(cfg, logger.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	t.Setenv("API_URL", srv.URL+"/api")
	t.Setenv("REVERB_HOST", host)
	t.Setenv("REVERB_PORT", port)
	t.Setenv("TICKETDESK_CREDENTIALS_BACKEND", config.CredentialsBackendFile)
	t.Setenv("TICKETDESK_CREDENTIALS_PATH", filepath.Join(t.TempDir(), "credentials.json"))
}

func runDesk(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c := &cli{}
	cmd := newRootCmd(c)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, c.close())
	return out.String(), err
}

func TestDesk_SessionLifecycle(t *testing.T) {
	startDeskd(t)

	_, err := runDesk(t, "whoami")
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	out, err := runDesk(t, "login", "--email", "customer@example.com", "--password", "password")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as Cora Customer (customer)")

	out, err = runDesk(t, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "customer@example.com")
	assert.Contains(t, out, "role: customer")

	out, err = runDesk(t, "open", "/tickets/2")
	require.NoError(t, err)
	assert.Contains(t, out, "route: ticket-detail")
	assert.Contains(t, out, "param id=2")

	_, err = runDesk(t, "logout")
	require.NoError(t, err)

	out, err = runDesk(t, "open", "/tickets")
	require.NoError(t, err)
	assert.Contains(t, out, "route: login")
}

func TestDesk_LoginRejected(t *testing.T) {
	startDeskd(t)

	_, err := runDesk(t, "login", "--email", "customer@example.com", "--password", "wrong-password")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	_, err = runDesk(t, "login", "--password", "password")
	assert.Error(t, err)
}

func TestDesk_TicketsAndStats(t *testing.T) {
	startDeskd(t)

	_, err := runDesk(t, "tickets")
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	_, err = runDesk(t, "login", "-e", "agent@example.com", "-p", "password")
	require.NoError(t, err)

	out, err := runDesk(t, "tickets", "--priority", "urgent")
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 1`)

	out, err = runDesk(t, "tickets", "2")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": 2`)

	out, err = runDesk(t, "tickets", "resolve", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "ticket 2 resolved")

	out, err = runDesk(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_tickets": 5`)
}

func TestDesk_EphemeralLoginIsForgotten(t *testing.T) {
	startDeskd(t)

	_, err := runDesk(t, "--ephemeral", "login", "-e", "agent@example.com", "-p", "password")
	require.NoError(t, err)

	_, err = runDesk(t, "whoami")
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestDesk_Status(t *testing.T) {
	startDeskd(t)

	out, err := runDesk(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "session:   none")
	assert.Contains(t, out, "health:    healthy")
	assert.Contains(t, out, "credential_store")
}
