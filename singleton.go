package tokenrefresh

import "sync"

var (
	managerMu       sync.Mutex
	managerInstance *TokenLifecycleManager
)

// CreateTokenRefreshManager builds the process-wide manager and registers it
// for retrieval through GetTokenRefreshManager. The first successful call
// wins; later calls return the existing instance and ignore their arguments,
// even when the config differs. The registry only holds the instance; the
// creating caller still owns its lifecycle, including calling Dispose.
func CreateTokenRefreshManager(exchanger TokenExchanger, cfg *Config) (*TokenLifecycleManager, error) {
	managerMu.Lock()
	defer managerMu.Unlock()

	if managerInstance != nil {
		return managerInstance, nil
	}
	m, err := NewTokenLifecycleManager(exchanger, cfg)
	if err != nil {
		return nil, err
	}
	managerInstance = m
	return m, nil
}

// GetTokenRefreshManager returns the manager registered by
// CreateTokenRefreshManager, or ErrManagerNotCreated when none exists yet.
func GetTokenRefreshManager() (*TokenLifecycleManager, error) {
	managerMu.Lock()
	defer managerMu.Unlock()

	if managerInstance == nil {
		return nil, ErrManagerNotCreated
	}
	return managerInstance, nil
}

// ResetTokenRefreshManagerForTesting disposes and forgets the registered
// manager so tests can start from a clean slate.
func ResetTokenRefreshManagerForTesting() {
	managerMu.Lock()
	instance := managerInstance
	managerInstance = nil
	managerMu.Unlock()

	if instance != nil {
		instance.Dispose()
	}
}
