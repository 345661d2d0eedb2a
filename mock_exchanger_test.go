package tokenrefresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// mockTokenExchanger is a configurable TokenExchanger for tests. Behavior
// fields may be set before use; RefreshFunc overrides everything when set.
// Call history is tracked under an internal mutex.
type mockTokenExchanger struct {
	mu sync.Mutex

	// RefreshFunc fully controls the response when non-nil.
	RefreshFunc func(ctx context.Context, refreshToken string) (*TokenResponse, error)

	// Response is returned on success. Nil generates a response whose
	// tokens embed the call number, so rotation is visible.
	Response *TokenResponse

	// Err makes every call fail when FailuresBeforeSuccess is zero.
	Err error

	// FailuresBeforeSuccess makes the first n calls fail (with Err, or a
	// default transient error) before successes begin.
	FailuresBeforeSuccess int

	calls         int
	refreshTokens []string
}

func (m *mockTokenExchanger) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.refreshTokens = append(m.refreshTokens, refreshToken)
	fn := m.RefreshFunc
	resp := m.Response
	failErr := m.Err
	failures := m.FailuresBeforeSuccess
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, refreshToken)
	}
	if failures > 0 && call <= failures {
		if failErr == nil {
			failErr = errors.New("temporary exchange failure")
		}
		return nil, failErr
	}
	if failures == 0 && failErr != nil {
		return nil, failErr
	}
	if resp != nil {
		out := *resp
		return &out, nil
	}
	return &TokenResponse{
		AccessToken:  fmt.Sprintf("access-%d", call),
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshToken: fmt.Sprintf("refresh-%d", call),
	}, nil
}

func (m *mockTokenExchanger) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockTokenExchanger) RefreshTokensSeen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.refreshTokens))
	copy(out, m.refreshTokens)
	return out
}

// testClock is a mutable clock injected through the manager's nowFunc.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventRecorder captures events for later assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []RefreshEvent
}

func (r *eventRecorder) handler() RefreshEventHandler {
	return func(event RefreshEvent) {
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) Events() []RefreshEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RefreshEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) Types() []RefreshEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RefreshEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// newTestManager builds a manager whose scan loop is stopped so tests drive
// scans explicitly, with an injected clock and a no-op retry delay. Tests
// that need recorded delays replace m.wait themselves.
func newTestManager(t *testing.T, exchanger TokenExchanger, cfg *Config) (*TokenLifecycleManager, *testClock) {
	t.Helper()

	if cfg == nil {
		cfg = &Config{RefreshCheckIntervalSeconds: 3600}
	}
	cfg.LogLevel = "error"
	m, err := NewTokenLifecycleManager(exchanger, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Dispose)

	m.scanner.Stop()
	m.logger = GetSingletonNoOpLogger()

	clock := newTestClock(time.Now())
	m.nowFunc = clock.Now
	m.wait = func(ctx context.Context, d time.Duration) error { return nil }
	return m, clock
}

func testTokenResponse(expiresIn int) *TokenResponse {
	return &TokenResponse{
		AccessToken:  "initial-access",
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: "initial-refresh",
	}
}

// makeJWT builds a signed token carrying the given expiry, for exercising
// the exp claim fallback.
func makeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

// makeJWTWithoutExp builds a signed token with no exp claim.
func makeJWTWithoutExp(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}
