package tokenrefresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundScanner(t *testing.T) {
	t.Run("runs the task immediately on start", func(t *testing.T) {
		var count atomic.Int64
		s := newBackgroundScanner("test-scan", 10*time.Second, func() { count.Add(1) }, GetSingletonNoOpLogger())
		s.Start()
		defer s.Stop()

		// The interval is far longer than the test, so any run is the
		// immediate one.
		require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
	})

	t.Run("runs the task on every tick", func(t *testing.T) {
		var count atomic.Int64
		s := newBackgroundScannerForTest(&count)
		s.Start()
		defer s.Stop()

		require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("stop halts the loop and waits for it", func(t *testing.T) {
		var count atomic.Int64
		s := newBackgroundScannerForTest(&count)
		s.Start()

		require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)
		s.Stop()

		settled := count.Load()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, settled, count.Load())
	})

	t.Run("start and stop are idempotent", func(t *testing.T) {
		var count atomic.Int64
		s := newBackgroundScannerForTest(&count)
		s.Start()
		s.Start()
		s.Stop()
		s.Stop()

		stopped := newBackgroundScannerForTest(&count)
		stopped.Stop()
	})

	t.Run("recovers a panicking task and keeps ticking", func(t *testing.T) {
		var count atomic.Int64
		s := newBackgroundScanner("test-scan", 10*time.Millisecond, func() {
			count.Add(1)
			panic("scan blew up")
		}, GetSingletonNoOpLogger())
		s.Start()
		defer s.Stop()

		require.Eventually(t, func() bool { return count.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	})
}

func newBackgroundScannerForTest(count *atomic.Int64) *backgroundScanner {
	return newBackgroundScanner("test-scan", 10*time.Millisecond, func() { count.Add(1) }, GetSingletonNoOpLogger())
}

func TestScanForRefresh(t *testing.T) {
	t.Run("refreshes due sessions and evicts expired refresh tokens", func(t *testing.T) {
		ex := &mockTokenExchanger{}
		m, clock := newTestManager(t, ex, nil)
		recorder := &eventRecorder{}
		m.OnRefreshEvent(recorder.handler())

		due := &TokenResponse{AccessToken: "due-access", RefreshToken: "due-refresh", ExpiresIn: 100}
		_, err := m.AddManagedToken("due", due, ClientTypeFrontend)
		require.NoError(t, err)

		_, err = m.AddManagedToken("fresh", testTokenResponse(7200), ClientTypeFrontend)
		require.NoError(t, err)

		terminal := testTokenResponse(3600)
		terminal.RefreshExpiresIn = 5
		_, err = m.AddManagedToken("terminal", terminal, ClientTypeFrontend)
		require.NoError(t, err)

		clock.Advance(6 * time.Second)
		m.scanForRefresh()
		m.cycleWG.Wait()

		// Only the due session went through the exchanger.
		assert.Equal(t, []string{"due-refresh"}, ex.RefreshTokensSeen())

		refreshed, ok := m.GetManagedToken("due")
		require.True(t, ok)
		assert.Equal(t, "access-1", refreshed.AccessToken)

		untouched, ok := m.GetManagedToken("fresh")
		require.True(t, ok)
		assert.Equal(t, "initial-access", untouched.AccessToken)

		_, ok = m.GetManagedToken("terminal")
		assert.False(t, ok)

		events := recorder.Events()
		require.Len(t, events, 2)
		bySession := map[string]RefreshEvent{}
		for _, e := range events {
			bySession[e.SessionID] = e
		}
		assert.Equal(t, EventRefreshSuccess, bySession["due"].Type)
		assert.Equal(t, EventSessionRemoved, bySession["terminal"].Type)
		assert.ErrorIs(t, bySession["terminal"].Err, ErrRefreshTokenExpired)
	})

	t.Run("skips sessions whose refresh is already in flight", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		ex := &mockTokenExchanger{RefreshFunc: func(ctx context.Context, refreshToken string) (*TokenResponse, error) {
			once.Do(func() { close(entered) })
			<-release
			return &TokenResponse{AccessToken: "slow-access", RefreshToken: "slow-refresh", ExpiresIn: 3600}, nil
		}}
		m, _ := newTestManager(t, ex, nil)

		_, err := m.AddManagedToken("sess-1", testTokenResponse(100), ClientTypeFrontend)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = m.RefreshManagedToken(context.Background(), "sess-1")
		}()
		<-entered

		m.scanForRefresh()
		m.cycleWG.Wait()

		close(release)
		<-done
		assert.Equal(t, 1, ex.CallCount())
	})

	t.Run("does nothing after dispose", func(t *testing.T) {
		ex := &mockTokenExchanger{}
		m, _ := newTestManager(t, ex, nil)

		_, err := m.AddManagedToken("sess-1", testTokenResponse(100), ClientTypeFrontend)
		require.NoError(t, err)

		m.Dispose()
		m.scanForRefresh()
		m.cycleWG.Wait()
		assert.Zero(t, ex.CallCount())
	})

	t.Run("background exhaustion evicts without surfacing an error", func(t *testing.T) {
		ex := &mockTokenExchanger{Err: errors.New("endpoint down")}
		m, _ := newTestManager(t, ex, &Config{MaxRetryAttempts: 2, RefreshCheckIntervalSeconds: 3600})
		recorder := &eventRecorder{}
		m.OnRefreshEvent(recorder.handler())

		_, err := m.AddManagedToken("sess-1", testTokenResponse(100), ClientTypeFrontend)
		require.NoError(t, err)

		m.scanForRefresh()
		m.cycleWG.Wait()

		assert.Equal(t, 2, ex.CallCount())
		_, ok := m.GetManagedToken("sess-1")
		assert.False(t, ok)
		assert.Equal(t, []RefreshEventType{
			EventRefreshFailed, EventRefreshFailed, EventSessionRemoved,
		}, recorder.Types())
	})
}

func TestScanLoopEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("uses the real scan ticker")
	}

	ex := &mockTokenExchanger{}
	m, err := NewTokenLifecycleManager(ex, &Config{
		RefreshCheckIntervalSeconds: 1,
		LogLevel:                    "error",
	})
	require.NoError(t, err)
	defer m.Dispose()

	_, err = m.AddManagedToken("sess-1", testTokenResponse(100), ClientTypeFrontend)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		token, ok := m.GetManagedToken("sess-1")
		return ok && token.AccessToken == "access-1"
	}, 3*time.Second, 25*time.Millisecond)

	// Once refreshed the session leaves the buffer window, so the next
	// ticks leave it alone.
	assert.Equal(t, 1, ex.CallCount())
}
