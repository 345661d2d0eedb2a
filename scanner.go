package tokenrefresh

import (
	"sync"
	"time"
)

// backgroundScanner runs a named task on a fixed interval in its own
// goroutine. The first run happens immediately on Start. Stop blocks until
// the goroutine has exited and is a no-op when called again.
type backgroundScanner struct {
	name     string
	interval time.Duration
	task     func()
	logger   *Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

func newBackgroundScanner(name string, interval time.Duration, task func(), logger *Logger) *backgroundScanner {
	return &backgroundScanner{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (s *backgroundScanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.run()
}

func (s *backgroundScanner) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debugf("%s started with interval %s", s.name, s.interval)
	s.safeRun()

	for {
		select {
		case <-s.stopChan:
			s.logger.Debugf("%s stopped", s.name)
			return
		case <-ticker.C:
			s.safeRun()
		}
	}
}

// safeRun keeps a panicking task from killing the scan goroutine.
func (s *backgroundScanner) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("%s panicked: %v", s.name, r)
		}
	}()
	s.task()
}

func (s *backgroundScanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
	<-s.doneChan
}

// scanForRefresh is the periodic scan body. It snapshots the table under the
// read lock, then dispatches a refresh cycle per due session without holding
// any lock. Sessions whose refresh token has itself expired count as due so
// the terminal eviction path runs for them promptly. Cycle errors are logged
// by the retry loop and never surfaced from here.
func (m *TokenLifecycleManager) scanForRefresh() {
	if m.disposed.Load() {
		return
	}
	now := m.nowFunc()

	m.mu.RLock()
	due := make([]string, 0, len(m.tokens))
	for id, t := range m.tokens {
		if _, busy := m.inFlight[id]; busy {
			continue
		}
		if refreshTokenExpired(t, now) || m.needsRefreshLocked(t, now) {
			due = append(due, id)
		}
	}
	total := len(m.tokens)
	m.mu.RUnlock()

	if len(due) == 0 {
		return
	}
	m.logger.Debugf("scan found %d of %d sessions due for refresh", len(due), total)

	for _, id := range due {
		m.cycleWG.Add(1)
		go func(sessionID string) {
			defer m.cycleWG.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorf("background refresh for session %s panicked: %v", sessionID, r)
				}
			}()
			if _, err := m.refreshSession(m.ctx, sessionID); err != nil {
				m.logger.Debugf("background refresh for session %s settled: %v", sessionID, err)
			}
		}(id)
	}
}
