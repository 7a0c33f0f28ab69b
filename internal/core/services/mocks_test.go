package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

type MockAuthGateway struct {
	mock.Mock
}

func (m *MockAuthGateway) Login(ctx context.Context, credentials domain.Credentials) (*domain.AuthResult, error) {
	args := m.Called(ctx, credentials)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AuthResult), args.Error(1)
}

type MockBroadcastAuthAPI struct {
	mock.Mock
}

func (m *MockBroadcastAuthAPI) AuthorizeChannel(ctx context.Context, req domain.ChannelAuthRequest) (json.RawMessage, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

// mapStore is an in-memory CredentialStore with failure injection.
type mapStore struct {
	mu      sync.Mutex
	data    map[string]string
	failSet error
	gets    int
}

func newMapStore(entries map[string]string) *mapStore {
	s := &mapStore{data: map[string]string{}}
	for k, v := range entries {
		s.data[k] = v
	}
	return s
}

func (s *mapStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	v, ok := s.data[key]
	if !ok {
		return "", domain.ErrCredentialNotFound
	}
	return v, nil
}

func (s *mapStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet != nil {
		return s.failSet
	}
	s.data[key] = value
	return nil
}

func (s *mapStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *mapStore) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// recordingNavigator records pushes and reads the session while doing so,
// which would deadlock if logout navigated under the session lock.
type recordingNavigator struct {
	mu      sync.Mutex
	session ports.SessionReader
	pushes  []domain.Location
	authed  []bool
}

func (n *recordingNavigator) Push(_ context.Context, to domain.Location) (domain.Route, error) {
	authed := n.session.IsAuthenticated()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, to)
	n.authed = append(n.authed, authed)
	return domain.Route{Name: to.Name}, nil
}

func (n *recordingNavigator) calls() []domain.Location {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Location(nil), n.pushes...)
}

type recordingMetrics struct {
	mu      sync.Mutex
	logins  []bool
	logouts []domain.LogoutReason
	auths   []bool
}

func (m *recordingMetrics) RecordLogin(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins = append(m.logins, success)
}

func (m *recordingMetrics) RecordLogout(reason domain.LogoutReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logouts = append(m.logouts, reason)
}

func (m *recordingMetrics) RecordChannelAuthorization(success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auths = append(m.auths, success)
}

func (m *recordingMetrics) logoutReasons() []domain.LogoutReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LogoutReason(nil), m.logouts...)
}

var errBackendDown = errors.New("backend down")

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Broadcast(ctx context.Context, channel, event string, data json.RawMessage) error {
	args := m.Called(ctx, channel, event, data)
	return args.Error(0)
}
