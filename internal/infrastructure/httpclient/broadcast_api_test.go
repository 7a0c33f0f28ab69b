package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/services"
	"ticketdesk/pkg/config"
	"ticketdesk/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func authorizeVia(t *testing.T, api *BroadcastAPI, socketID, channel string) (json.RawMessage, error) {
	t.Helper()
	authorizer := services.NewChannelAuthorizer(api, logger.NewNop(), nil, time.Second)

	type outcome struct {
		grant json.RawMessage
		err   error
	}
	done := make(chan outcome, 1)
	authorizer.Authorize(context.Background(), socketID, channel, func(grant json.RawMessage, err error) {
		done <- outcome{grant, err}
	})

	select {
	case out := <-done:
		return out.grant, out.err
	case <-time.After(2 * time.Second):
		t.Fatal("authorization callback never ran")
		return nil, nil
	}
}

func TestBroadcastAPI_AuthorizesWithLiveToken(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusOK, `{"auth":"sig"}`))
	c := newTestClient(t, srv.URL+"/api")
	c.UseRequest(BearerToken(fixedToken("abc")))

	endpoint := config.DeriveBroadcastAuthEndpoint(c.BaseURL())
	grant, err := authorizeVia(t, NewBroadcastAPI(c, endpoint), "123.456", "private-tickets.1")

	require.NoError(t, err)
	assert.JSONEq(t, `{"auth":"sig"}`, string(grant))

	req := srv.last(t)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/broadcasting/auth", req.path)
	assert.Equal(t, "Bearer abc", req.header.Get("Authorization"))
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "application/json", req.header.Get("Accept"))
	assert.JSONEq(t, `{"socket_id":"123.456","channel_name":"private-tickets.1"}`, string(req.body))
}

func TestBroadcastAPI_ForbiddenIsReportedNotRetried(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusForbidden, `{"message":"denied"}`))
	c := newTestClient(t, srv.URL+"/api")
	term := new(MockTerminator)
	c.UseResponse(LogoutOnUnauthorized(term, logger.NewNop()))

	grant, err := authorizeVia(t, NewBroadcastAPI(c, srv.URL+"/broadcasting/auth"), "123.456", "private-tickets.1")

	assert.Nil(t, grant)
	assert.ErrorIs(t, err, domain.ErrChannelAuthorization)
	srv.mu.Lock()
	assert.Len(t, srv.requests, 1)
	srv.mu.Unlock()
	term.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything)
}

func TestBroadcastAPI_UnauthorizedLogsOutThroughSharedClient(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusUnauthorized, `{}`))
	c := newTestClient(t, srv.URL+"/api")
	term := new(MockTerminator)
	term.On("Terminate", mock.Anything, domain.LogoutUnauthorized).Return().Once()
	c.UseResponse(LogoutOnUnauthorized(term, logger.NewNop()))

	_, err := authorizeVia(t, NewBroadcastAPI(c, srv.URL+"/broadcasting/auth"), "123.456", "private-tickets.1")

	assert.ErrorIs(t, err, domain.ErrChannelAuthorization)
	term.AssertExpectations(t)
}
