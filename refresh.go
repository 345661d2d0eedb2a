package tokenrefresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// refreshOperation tracks one in-flight refresh cycle for a session. seed is
// the refresh token the cycle started from; a differing value in the table
// later means the entry was replaced and the cycle's result is moot. done is
// closed once the cycle settles, after which token and err may be read.
type refreshOperation struct {
	cycleID string
	seed    string
	done    chan struct{}
	token   ManagedToken
	err     error
}

// RefreshManagedToken refreshes the session's tokens immediately, regardless of how
// close the access token is to expiry. When a cycle for the session is
// already in flight the call joins it and shares its outcome instead of
// starting a second exchange. Transient exchange failures are retried up to
// the configured attempt limit; exhaustion evicts the session and returns a
// *RefreshError. An expired refresh token evicts without any exchange and
// returns ErrRefreshTokenExpired.
func (m *TokenLifecycleManager) RefreshManagedToken(ctx context.Context, sessionID string) (ManagedToken, error) {
	if m.disposed.Load() {
		return ManagedToken{}, ErrManagerDisposed
	}
	if sessionID == "" {
		return ManagedToken{}, ErrEmptySessionID
	}
	return m.refreshSession(ctx, sessionID)
}

func (m *TokenLifecycleManager) refreshSession(ctx context.Context, sessionID string) (ManagedToken, error) {
	op, started, err := m.beginRefresh(sessionID)
	if err != nil {
		return ManagedToken{}, err
	}

	if started {
		m.runCycle(ctx, op, sessionID)
	} else {
		m.metrics.coalescedRefreshes.Add(1)
		m.logger.Debugf("joining in-flight refresh for session %s", sessionID)
		select {
		case <-op.done:
		case <-ctx.Done():
			return ManagedToken{}, fmt.Errorf("refresh session %q: %w", sessionID, ctx.Err())
		case <-m.ctx.Done():
			return ManagedToken{}, ErrManagerDisposed
		}
	}

	if op.err != nil {
		return ManagedToken{}, op.err
	}
	return op.token, nil
}

// beginRefresh claims the refresh slot for a session. The second return
// value reports whether the caller started a new cycle and must run it; a
// false value with a non-nil operation means an existing cycle was joined.
// Refresh token expiry is terminal and detected here, before any exchange:
// the session is evicted, session_removed emitted and ErrRefreshTokenExpired
// returned.
func (m *TokenLifecycleManager) beginRefresh(sessionID string) (*refreshOperation, bool, error) {
	now := m.nowFunc()

	m.mu.Lock()
	if op, ok := m.inFlight[sessionID]; ok {
		m.mu.Unlock()
		return op, false, nil
	}
	t, ok := m.tokens[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("refresh session %q: %w", sessionID, ErrSessionNotFound)
	}
	if refreshTokenExpired(t, now) {
		delete(m.tokens, sessionID)
		m.mu.Unlock()

		m.metrics.evictions.Add(1)
		m.logger.Infof("refresh token for session %s expired, evicting", sessionID)
		m.emitEvent(RefreshEvent{
			Type:      EventSessionRemoved,
			SessionID: sessionID,
			Timestamp: now,
			Err:       ErrRefreshTokenExpired,
		})
		return nil, false, fmt.Errorf("refresh session %q: %w", sessionID, ErrRefreshTokenExpired)
	}

	op := &refreshOperation{
		cycleID: uuid.NewString(),
		seed:    t.RefreshToken,
		done:    make(chan struct{}),
	}
	m.inFlight[sessionID] = op
	m.mu.Unlock()
	return op, true, nil
}

// runCycle drives the retry loop for one cycle. The caller owns op; the
// in-flight slot is released and done closed on return, whatever the
// outcome.
func (m *TokenLifecycleManager) runCycle(ctx context.Context, op *refreshOperation, sessionID string) {
	defer func() {
		m.mu.Lock()
		if m.inFlight[sessionID] == op {
			delete(m.inFlight, sessionID)
		}
		m.mu.Unlock()
		close(op.done)
	}()

	m.metrics.cyclesStarted.Add(1)
	m.logger.Debugf("starting refresh cycle %s for session %s", op.cycleID, sessionID)

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if m.disposed.Load() {
			op.err = ErrManagerDisposed
			return
		}
		if attempt > 1 {
			delay := m.backoff.delayFor(attempt - 1)
			m.logger.Debugf("retrying refresh for session %s in %s (attempt %d/%d)",
				sessionID, delay, attempt, m.maxAttempts)
			if err := m.wait(ctx, delay); err != nil {
				op.err = fmt.Errorf("refresh session %q: %w", sessionID, err)
				return
			}
		}

		m.mu.RLock()
		t, ok := m.tokens[sessionID]
		var refreshToken string
		var current ManagedToken
		if ok {
			refreshToken = t.RefreshToken
			current = *t
		}
		m.mu.RUnlock()

		if !ok {
			op.err = fmt.Errorf("refresh session %q: %w", sessionID, ErrSessionNotFound)
			return
		}
		if refreshToken != op.seed {
			// Replaced mid-cycle; the replacement is authoritative.
			op.token = current
			return
		}

		resp, err := m.exchanger.Refresh(ctx, refreshToken)
		if err == nil {
			switch {
			case resp == nil:
				err = errors.New("exchanger returned nil response")
			case resp.AccessToken == "":
				err = ErrMissingAccessToken
			default:
				now := m.nowFunc()
				expiresAt, derr := deriveExpiry(resp, now)
				if derr == nil {
					m.commitRefresh(sessionID, op, resp, now, expiresAt, attempt)
					return
				}
				err = derr
			}
		}

		lastErr = err
		m.recordAttemptFailure(sessionID, op, attempt, err)
	}

	op.err = m.evictAfterExhaustion(sessionID, op, lastErr)
}

// commitRefresh installs a successful exchange result. The table is re-read
// under the write lock: a session removed mid-exchange aborts the cycle, and
// an entry replaced mid-exchange wins over the exchange result. A rotated
// refresh token is stored when the response carries one; otherwise the
// existing refresh token is kept.
func (m *TokenLifecycleManager) commitRefresh(sessionID string, op *refreshOperation, resp *TokenResponse, now, expiresAt time.Time, attempt int) {
	m.mu.Lock()
	t, ok := m.tokens[sessionID]
	if !ok {
		m.mu.Unlock()
		op.err = fmt.Errorf("refresh session %q: %w", sessionID, ErrSessionNotFound)
		return
	}
	if t.RefreshToken != op.seed {
		current := *t
		m.mu.Unlock()
		op.token = current
		return
	}

	t.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		t.RefreshToken = resp.RefreshToken
	}
	t.ExpiresAt = expiresAt
	if resp.RefreshExpiresIn > 0 {
		t.RefreshExpiresAt = now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
	} else {
		t.RefreshExpiresAt = time.Time{}
	}
	t.RetryCount = 0
	updated := *t
	m.mu.Unlock()

	m.metrics.refreshSuccesses.Add(1)
	m.logger.Infof("refreshed tokens for session %s on attempt %d, next expiry %s",
		sessionID, attempt, expiresAt.Format(time.RFC3339))
	m.emitEvent(RefreshEvent{
		Type:      EventRefreshSuccess,
		SessionID: sessionID,
		Timestamp: now,
		CycleID:   op.cycleID,
		Attempt:   attempt,
	})
	op.token = updated
}

// recordAttemptFailure bumps the session's retry count and emits
// refresh_failed. The count is left alone when the entry has been removed or
// replaced since the cycle began.
func (m *TokenLifecycleManager) recordAttemptFailure(sessionID string, op *refreshOperation, attempt int, cause error) {
	m.mu.Lock()
	if t, ok := m.tokens[sessionID]; ok && t.RefreshToken == op.seed {
		t.RetryCount = attempt
	}
	m.mu.Unlock()

	m.metrics.refreshFailures.Add(1)
	m.logger.Errorf("refresh attempt %d/%d failed for session %s: %v",
		attempt, m.maxAttempts, sessionID, cause)
	m.emitEvent(RefreshEvent{
		Type:      EventRefreshFailed,
		SessionID: sessionID,
		Timestamp: m.nowFunc(),
		CycleID:   op.cycleID,
		Attempt:   attempt,
		Err:       cause,
	})
}

// evictAfterExhaustion removes the session once every attempt has failed and
// emits session_removed. An entry replaced after the final attempt is left
// alone and the cycle settles on the replacement instead of an error.
func (m *TokenLifecycleManager) evictAfterExhaustion(sessionID string, op *refreshOperation, lastErr error) error {
	rerr := &RefreshError{SessionID: sessionID, Attempts: m.maxAttempts, Cause: lastErr}

	m.mu.Lock()
	t, ok := m.tokens[sessionID]
	if ok && t.RefreshToken != op.seed {
		current := *t
		m.mu.Unlock()
		op.token = current
		return nil
	}
	if ok {
		delete(m.tokens, sessionID)
	}
	m.mu.Unlock()

	if ok {
		m.metrics.evictions.Add(1)
		m.logger.Errorf("evicting session %s: %v", sessionID, rerr)
		m.emitEvent(RefreshEvent{
			Type:      EventSessionRemoved,
			SessionID: sessionID,
			Timestamp: m.nowFunc(),
			CycleID:   op.cycleID,
			Err:       rerr,
		})
	}
	return rerr
}
