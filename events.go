package tokenrefresh

type handlerEntry struct {
	id HandlerRegistration
	fn RefreshEventHandler
}

// OnRefreshEvent registers a handler for all subsequent refresh events and
// returns a handle for removal. Handlers are invoked in registration order.
// A nil handler is ignored and yields a handle whose removal is a no-op.
func (m *TokenLifecycleManager) OnRefreshEvent(handler RefreshEventHandler) HandlerRegistration {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	m.nextHandlerID++
	id := m.nextHandlerID
	if handler != nil {
		m.handlers = append(m.handlers, handlerEntry{id: id, fn: handler})
	}
	return id
}

// RemoveRefreshEventHandler removes a previously registered handler. Removing
// an unknown or already-removed handle is a no-op.
func (m *TokenLifecycleManager) RemoveRefreshEventHandler(reg HandlerRegistration) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	for i, entry := range m.handlers {
		if entry.id == reg {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// emitEvent delivers an event synchronously to a snapshot of the registered
// handlers. A panicking handler is recovered and logged; delivery to the
// remaining handlers continues. Nothing is delivered after disposal.
func (m *TokenLifecycleManager) emitEvent(event RefreshEvent) {
	if m.disposed.Load() {
		return
	}

	m.handlersMu.RLock()
	snapshot := make([]handlerEntry, len(m.handlers))
	copy(snapshot, m.handlers)
	m.handlersMu.RUnlock()

	for _, entry := range snapshot {
		m.invokeHandler(entry, event)
	}
}

func (m *TokenLifecycleManager) invokeHandler(entry handlerEntry, event RefreshEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.handlerPanics.Add(1)
			m.logger.Errorf("event handler %d panicked on %s for session %s: %v",
				entry.id, event.Type, event.SessionID, r)
		}
	}()
	entry.fn(event)
}
