package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ticketdesk/internal/core/domain"
	apperrors "ticketdesk/pkg/errors"
	"ticketdesk/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTerminator struct {
	mock.Mock
}

func (m *MockTerminator) Terminate(ctx context.Context, reason domain.LogoutReason) {
	m.Called(ctx, reason)
}

type fixedToken string

func (t fixedToken) Token() string { return string(t) }

type recordedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

type recordingServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newRecordingServer(t *testing.T, handler http.HandlerFunc) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   body,
		})
		rs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) last(t *testing.T) recordedRequest {
	t.Helper()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.NotEmpty(t, rs.requests)
	return rs.requests[len(rs.requests)-1]
}

func respondJSON(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

type recordingMetrics struct {
	mu       sync.Mutex
	statuses []int
}

func (m *recordingMetrics) RecordHTTPRequest(method, host string, status int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, Timeout: 2 * time.Second}, logger.NewNop(), opts...)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsRelativeBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "/api"}, logger.NewNop())
	assert.Error(t, err)
}

func TestClient_SendsDefaultHeadersAndBearerToken(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusOK, `{"ok":true}`))
	c := newTestClient(t, srv.URL+"/api")
	c.UseRequest(BearerToken(fixedToken("abc")), RequestID())

	var out map[string]bool
	require.NoError(t, c.Post(context.Background(), "/things", map[string]string{"a": "b"}, &out))

	req := srv.last(t)
	assert.Equal(t, "/api/things", req.path)
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "application/json", req.header.Get("Accept"))
	assert.Equal(t, "Bearer abc", req.header.Get("Authorization"))
	assert.NotEmpty(t, req.header.Get(RequestIDHeader))
	assert.JSONEq(t, `{"a":"b"}`, string(req.body))
	assert.True(t, out["ok"])
}

func TestClient_OmitsAuthorizationWithoutSession(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusOK, `{}`))
	c := newTestClient(t, srv.URL+"/api")
	c.UseRequest(BearerToken(fixedToken("")))

	require.NoError(t, c.Get(context.Background(), "/things", nil, nil))

	assert.Empty(t, srv.last(t).header.Get("Authorization"))
}

func TestClient_ReadsTokenAtSendTime(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusOK, `{}`))
	c := newTestClient(t, srv.URL+"/api")

	var mu sync.Mutex
	token := "first"
	c.UseRequest(func(req *http.Request) error {
		mu.Lock()
		defer mu.Unlock()
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	})

	require.NoError(t, c.Get(context.Background(), "/a", nil, nil))
	mu.Lock()
	token = "second"
	mu.Unlock()
	require.NoError(t, c.Get(context.Background(), "/a", nil, nil))

	assert.Equal(t, "Bearer second", srv.last(t).header.Get("Authorization"))
}

func TestClient_RequestIDFromContext(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusOK, `{}`))
	c := newTestClient(t, srv.URL+"/api")
	c.UseRequest(RequestID())

	ctx := logger.WithRequestID(context.Background(), "req-42")
	require.NoError(t, c.Get(ctx, "/a", nil, nil))

	assert.Equal(t, "req-42", srv.last(t).header.Get(RequestIDHeader))
}

func TestClient_AbsoluteURLBypassesBase(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusOK, `{}`))
	c := newTestClient(t, "http://api.invalid/api")

	require.NoError(t, c.Post(context.Background(), srv.URL+"/broadcasting/auth", nil, nil))
	assert.Equal(t, "/broadcasting/auth", srv.last(t).path)
}

func TestClient_UnauthorizedTerminatesSessionAndReturnsOriginalError(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusUnauthorized, `{"message":"Unauthenticated."}`))
	c := newTestClient(t, srv.URL+"/api")

	term := new(MockTerminator)
	term.On("Terminate", mock.Anything, domain.LogoutUnauthorized).Return().Once()
	c.UseResponse(LogoutOnUnauthorized(term, logger.NewNop()))

	err := c.Get(context.Background(), "/tickets", nil, nil)

	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, appErr.Code)
	assert.Contains(t, appErr.Context["body"], "Unauthenticated.")
	term.AssertExpectations(t)
}

func TestClient_SkipLogoutKeepsSessionOnUnauthorized(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusUnauthorized, `{"message":"These credentials do not match our records."}`))
	c := newTestClient(t, srv.URL+"/api")
	term := new(MockTerminator)
	c.UseResponse(LogoutOnUnauthorized(term, logger.NewNop()))

	err := c.Post(SkipLogout(context.Background()), "/login", map[string]string{"email": "a@b.c"}, nil)

	assert.Equal(t, http.StatusUnauthorized, apperrors.HTTPStatus(err))
	term.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything)
}

func TestAuthAPI_RejectedLoginDoesNotLogOut(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusUnauthorized, `{"message":"These credentials do not match our records."}`))
	c := newTestClient(t, srv.URL+"/api")
	term := new(MockTerminator)
	c.UseResponse(LogoutOnUnauthorized(term, logger.NewNop()))

	result, err := NewAuthAPI(c).Login(context.Background(), domain.Credentials{Email: "agent@example.com", Password: "nope"})

	assert.Nil(t, result)
	assert.True(t, apperrors.IsUnauthorized(err))
	assert.Equal(t, "/api/login", srv.last(t).path)
	term.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything)
}

func TestClient_OtherFailuresPassThroughWithoutLogout(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   apperrors.ErrorCode
	}{
		{"forbidden", http.StatusForbidden, apperrors.ErrCodeForbidden},
		{"not found", http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"validation", http.StatusUnprocessableEntity, apperrors.ErrCodeValidation},
		{"server error", http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRecordingServer(t, respondJSON(tt.status, `{"message":"no"}`))
			c := newTestClient(t, srv.URL+"/api")
			term := new(MockTerminator)
			c.UseResponse(LogoutOnUnauthorized(term, logger.NewNop()))

			err := c.Get(context.Background(), "/tickets", nil, nil)

			assert.Equal(t, tt.status, apperrors.HTTPStatus(err))
			assert.Equal(t, tt.code, apperrors.GetAppError(err).Code)
			term.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything)
		})
	}
}

func TestClient_NetworkFailureHasNoStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	metrics := &recordingMetrics{}
	c := newTestClient(t, base+"/api", WithMetrics(metrics))
	term := new(MockTerminator)
	c.UseResponse(LogoutOnUnauthorized(term, logger.NewNop()))

	err := c.Get(context.Background(), "/tickets", nil, nil)

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNetwork, apperrors.GetAppError(err).Code)
	assert.Zero(t, apperrors.HTTPStatus(err))
	assert.Equal(t, []int{0}, metrics.statuses)
	term.AssertNotCalled(t, "Terminate", mock.Anything, mock.Anything)
}

func TestClient_RequestInterceptorErrorAbortsRequest(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusOK, `{}`))
	c := newTestClient(t, srv.URL+"/api")
	c.UseRequest(func(*http.Request) error { return assert.AnError })

	err := c.Get(context.Background(), "/a", nil, nil)

	assert.ErrorIs(t, err, assert.AnError)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Empty(t, srv.requests)
}

func TestClient_RawResponseIsCopied(t *testing.T) {
	srv := newRecordingServer(t, respondJSON(http.StatusOK, `{"auth":"sig"}`))
	c := newTestClient(t, srv.URL+"/api")

	var raw json.RawMessage
	require.NoError(t, c.Get(context.Background(), "/a", nil, &raw))
	assert.JSONEq(t, `{"auth":"sig"}`, string(raw))
}

func TestClient_UndecodableSuccessIsUpstreamError(t *testing.T) {
	srv := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>")
	})
	c := newTestClient(t, srv.URL+"/api")

	var raw json.RawMessage
	err := c.Get(context.Background(), "/a", nil, &raw)

	assert.Equal(t, apperrors.ErrCodeUpstream, apperrors.GetAppError(err).Code)
}
