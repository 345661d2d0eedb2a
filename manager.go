package tokenrefresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// managerMetrics aggregates the counters exposed through GetMetrics.
type managerMetrics struct {
	cyclesStarted      atomic.Int64
	refreshSuccesses   atomic.Int64
	refreshFailures    atomic.Int64
	evictions          atomic.Int64
	coalescedRefreshes atomic.Int64
	handlerPanics      atomic.Int64
}

// TokenLifecycleManager keeps a table of managed token pairs valid for the
// lifetime of the sessions that hold them. A background scan loop detects
// tokens within the refresh buffer of expiry and refreshes them through the
// injected TokenExchanger; callers may also force a refresh at any time.
//
// The table is the only shared mutable state and is guarded by mu. The lock
// is never held across an exchange call or a retry delay; at most one
// refresh cycle is in flight per session at any time.
type TokenLifecycleManager struct {
	refreshBuffer time.Duration
	maxAttempts   int
	backoff       backoffPolicy

	exchanger TokenExchanger
	logger    *Logger

	mu       sync.RWMutex
	tokens   map[string]*ManagedToken
	inFlight map[string]*refreshOperation

	handlersMu    sync.RWMutex
	handlers      []handlerEntry
	nextHandlerID HandlerRegistration

	ctx         context.Context
	cancel      context.CancelFunc
	scanner     *backgroundScanner
	disposed    atomic.Bool
	disposeOnce sync.Once

	// cycleWG tracks refresh cycles dispatched by the scan loop so tests can
	// wait for background work to settle.
	cycleWG sync.WaitGroup

	metrics managerMetrics

	// nowFunc and wait are replaced in tests for deterministic clock and
	// delay control.
	nowFunc func() time.Time
	wait    waitFunc
}

// NewTokenLifecycleManager creates a manager and starts its background scan
// loop. A nil config selects DefaultConfig; a partial config has its unset
// fields filled with defaults before validation.
func NewTokenLifecycleManager(exchanger TokenExchanger, cfg *Config) (*TokenLifecycleManager, error) {
	if exchanger == nil {
		return nil, errors.New("token exchanger is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.withDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &TokenLifecycleManager{
		refreshBuffer: cfg.refreshBuffer(),
		maxAttempts:   cfg.MaxRetryAttempts,
		backoff: backoffPolicy{
			baseDelay: cfg.retryBaseDelay(),
			maxDelay:  cfg.retryMaxDelay(),
			factor:    cfg.RetryBackoffFactor,
			jitter:    cfg.RetryJitter,
		},
		exchanger: exchanger,
		logger:    NewLogger(cfg.LogLevel),
		tokens:    make(map[string]*ManagedToken),
		inFlight:  make(map[string]*refreshOperation),
		ctx:       ctx,
		cancel:    cancel,
		nowFunc:   time.Now,
		wait:      defaultWait,
	}

	m.scanner = newBackgroundScanner("token-refresh-scan", cfg.refreshCheckInterval(), m.scanForRefresh, m.logger)
	m.scanner.Start()
	return m, nil
}

// AddManagedToken registers or replaces the managed token for a session.
// The response must carry a non-empty refresh token and a derivable future
// expiry (expires_in, or failing that an exp claim in the access token).
// The retry count starts at zero. Replacing an entry while a refresh for it
// is in flight causes that cycle's result to be discarded.
func (m *TokenLifecycleManager) AddManagedToken(sessionID string, resp *TokenResponse, clientType ClientType) (ManagedToken, error) {
	if m.disposed.Load() {
		return ManagedToken{}, ErrManagerDisposed
	}
	if sessionID == "" {
		return ManagedToken{}, ErrEmptySessionID
	}
	if resp == nil {
		return ManagedToken{}, fmt.Errorf("add managed token for session %q: token response is required", sessionID)
	}
	if resp.AccessToken == "" {
		return ManagedToken{}, fmt.Errorf("add managed token for session %q: %w", sessionID, ErrMissingAccessToken)
	}
	if resp.RefreshToken == "" {
		return ManagedToken{}, fmt.Errorf("add managed token for session %q: %w", sessionID, ErrMissingRefreshToken)
	}
	if clientType == "" {
		clientType = ClientTypeFrontend
	}
	if !clientType.valid() {
		return ManagedToken{}, fmt.Errorf("add managed token for session %q: unknown client type %q", sessionID, clientType)
	}

	now := m.nowFunc()
	expiresAt, err := deriveExpiry(resp, now)
	if err != nil {
		return ManagedToken{}, fmt.Errorf("add managed token for session %q: %w", sessionID, err)
	}

	token := &ManagedToken{
		SessionID:    sessionID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ClientType:   clientType,
		ExpiresAt:    expiresAt,
	}
	if resp.RefreshExpiresIn > 0 {
		token.RefreshExpiresAt = now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
	}

	m.mu.Lock()
	m.tokens[sessionID] = token
	m.mu.Unlock()

	m.logger.Debugf("managing tokens for session %s (%s), access token expires %s",
		sessionID, clientType, expiresAt.Format(time.RFC3339))
	return *token, nil
}

// GetManagedToken returns a copy of the session's managed token. The second
// return value is false when the session is unknown.
func (m *TokenLifecycleManager) GetManagedToken(sessionID string) (ManagedToken, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[sessionID]
	if !ok {
		return ManagedToken{}, false
	}
	return *t, true
}

// RemoveManagedToken deletes the session's managed token. Removing an
// unknown session is a no-op. Explicit removal emits no event; the
// session_removed event is reserved for failure-driven eviction.
func (m *TokenLifecycleManager) RemoveManagedToken(sessionID string) {
	m.mu.Lock()
	delete(m.tokens, sessionID)
	m.mu.Unlock()
}

// NeedsRefresh reports whether the session's access token is within the
// refresh buffer of its expiry. Unknown sessions report false.
func (m *TokenLifecycleManager) NeedsRefresh(sessionID string) bool {
	now := m.nowFunc()
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[sessionID]
	if !ok {
		return false
	}
	return m.needsRefreshLocked(t, now)
}

func (m *TokenLifecycleManager) needsRefreshLocked(t *ManagedToken, now time.Time) bool {
	return t.ExpiresAt.Sub(now) <= m.refreshBuffer
}

// IsRefreshTokenExpired reports whether the session's refresh token has
// passed its own expiry. Unknown sessions and sessions whose issuer supplied
// no refresh_expires_in report false.
func (m *TokenLifecycleManager) IsRefreshTokenExpired(sessionID string) bool {
	now := m.nowFunc()
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[sessionID]
	if !ok {
		return false
	}
	return refreshTokenExpired(t, now)
}

func refreshTokenExpired(t *ManagedToken, now time.Time) bool {
	if t.RefreshExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.RefreshExpiresAt)
}

// GetRefreshStats evaluates the table at call time; nothing is cached.
func (m *TokenLifecycleManager) GetRefreshStats() RefreshStats {
	now := m.nowFunc()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := RefreshStats{TotalManagedTokens: len(m.tokens)}
	for _, t := range m.tokens {
		if m.needsRefreshLocked(t, now) {
			stats.TokensNeedingRefresh++
		}
	}
	return stats
}

// GetMetrics returns cumulative counters for monitoring.
func (m *TokenLifecycleManager) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	managed := len(m.tokens)
	inFlight := len(m.inFlight)
	m.mu.RUnlock()

	return map[string]interface{}{
		"managed_tokens":      managed,
		"inflight_refreshes":  inFlight,
		"cycles_started":      m.metrics.cyclesStarted.Load(),
		"refresh_successes":   m.metrics.refreshSuccesses.Load(),
		"refresh_failures":    m.metrics.refreshFailures.Load(),
		"evictions":           m.metrics.evictions.Load(),
		"coalesced_refreshes": m.metrics.coalescedRefreshes.Load(),
		"handler_panics":      m.metrics.handlerPanics.Load(),
	}
}

// Dispose stops the background scan loop, cancels pending retry delays and
// clears all managed sessions. No events are emitted afterwards; outcomes of
// exchanges still in flight are discarded. Safe to call multiple times.
func (m *TokenLifecycleManager) Dispose() {
	m.disposeOnce.Do(func() {
		m.disposed.Store(true)
		m.scanner.Stop()
		m.cancel()

		m.mu.Lock()
		m.tokens = make(map[string]*ManagedToken)
		m.mu.Unlock()

		m.logger.Debug("token lifecycle manager disposed")
	})
}
