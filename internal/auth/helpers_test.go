package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/authsession/internal/api"
	"github.com/alexjbarnes/authsession/internal/models"
	"github.com/alexjbarnes/authsession/internal/tokenstore"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

// jwtToken returns an unsigned-in-practice JWT whose exp is offset from testNow.
func jwtToken(t *testing.T, sub string, expIn time.Duration) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": testNow.Add(expIn).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

var (
	adminUser  = &models.User{ID: "u-admin", Email: "admin@example.com", Roles: []string{"ADMIN", "USER"}}
	sellerUser = &models.User{ID: "u-seller", Email: "seller@example.com", Roles: []string{"SELLER"}}
)

func unauthorized(endpoint string) error {
	return &api.StatusError{Endpoint: endpoint, Code: 401, Message: "token rejected"}
}

func offline() error {
	return &api.TransientError{Err: errors.New("dial tcp: connection refused")}
}

// fakeAPI records calls and delegates to per-endpoint functions. A nil
// function fails the call with a non-transient error.
type fakeAPI struct {
	mu    sync.Mutex
	calls map[string]int

	login    func(api.Credentials) (*api.AuthResponse, error)
	register func(api.Registration) (*api.AuthResponse, error)
	logout   func(string) error
	refresh  func(context.Context, string) (*models.TokenPair, error)
	me       func(string) (*models.User, error)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{calls: make(map[string]int)}
}

func (f *fakeAPI) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) Login(_ context.Context, creds api.Credentials) (*api.AuthResponse, error) {
	f.record("login")
	if f.login == nil {
		return nil, fmt.Errorf("unexpected login")
	}
	return f.login(creds)
}

func (f *fakeAPI) Register(_ context.Context, reg api.Registration) (*api.AuthResponse, error) {
	f.record("register")
	if f.register == nil {
		return nil, fmt.Errorf("unexpected register")
	}
	return f.register(reg)
}

func (f *fakeAPI) Logout(_ context.Context, token string) error {
	f.record("logout")
	if f.logout == nil {
		return nil
	}
	return f.logout(token)
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	f.record("refresh")
	if f.refresh == nil {
		return nil, fmt.Errorf("unexpected refresh")
	}
	return f.refresh(ctx, refreshToken)
}

func (f *fakeAPI) Me(_ context.Context, token string) (*models.User, error) {
	f.record("me")
	if f.me == nil {
		return nil, fmt.Errorf("unexpected me")
	}
	return f.me(token)
}

// failingStore wraps a MemoryStore and fails writes on demand.
type failingStore struct {
	*tokenstore.MemoryStore
	failTokens bool
	failUser   bool
	failClear  bool
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) SetTokens(pair models.TokenPair) error {
	if s.failTokens {
		return fmt.Errorf("writing tokens: %w", errDiskFull)
	}
	return s.MemoryStore.SetTokens(pair)
}

func (s *failingStore) SetUser(u *models.User) error {
	if s.failUser {
		return fmt.Errorf("writing user: %w", errDiskFull)
	}
	return s.MemoryStore.SetUser(u)
}

func (s *failingStore) Clear() error {
	if s.failClear {
		return fmt.Errorf("clearing: %w", errDiskFull)
	}
	return s.MemoryStore.Clear()
}

func newTestController(store tokenstore.Store, fake *fakeAPI, opts ...Option) *Controller {
	opts = append([]Option{WithClock(testClock)}, opts...)
	return NewController(store, fake, slog.Default(), opts...)
}

// seed writes credentials straight into the store.
func seed(t *testing.T, store tokenstore.Store, access, refresh string, user *models.User) {
	t.Helper()
	require.NoError(t, store.SetTokens(models.TokenPair{AccessToken: access, RefreshToken: refresh}))
	if user != nil {
		require.NoError(t, store.SetUser(user))
	}
}

func storedTokens(t *testing.T, store tokenstore.Store) (string, string) {
	t.Helper()
	access, err := store.AccessToken()
	require.NoError(t, err)
	refresh, err := store.RefreshToken()
	require.NoError(t, err)
	return access, refresh
}
