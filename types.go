package tokenrefresh

import (
	"context"
	"time"
)

// ClientType categorizes the consumer that owns a managed session. It is
// informational only; the manager treats all client types identically.
type ClientType string

const (
	// ClientTypeFrontend marks browser-facing sessions. This is the default
	// when no client type is supplied.
	ClientTypeFrontend ClientType = "frontend"

	// ClientTypeService marks machine-to-machine sessions.
	ClientTypeService ClientType = "service"

	// ClientTypeWebsocket marks long-lived connections that need periodic
	// refresh without disconnecting.
	ClientTypeWebsocket ClientType = "websocket"
)

func (c ClientType) valid() bool {
	switch c {
	case ClientTypeFrontend, ClientTypeService, ClientTypeWebsocket:
		return true
	}
	return false
}

// TokenResponse represents the token endpoint's response to a refresh or
// authorization grant. Field names follow the OAuth2 wire format.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type,omitempty"`
	ExpiresIn        int    `json:"expires_in,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int    `json:"refresh_expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// TokenExchanger trades a refresh token for a new token pair. Implementations
// perform the network call against the identity provider's token endpoint;
// HTTPTokenExchanger is the stock implementation. Any error return is treated
// uniformly as a refresh failure by the manager.
type TokenExchanger interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// ManagedToken is the manager's record of one session's credential pair and
// its expiry metadata. Instances returned by the manager are copies; mutating
// them has no effect on the managed state.
type ManagedToken struct {
	// SessionID is the caller-supplied session key. Immutable.
	SessionID string

	// AccessToken is the current access credential, replaced on every
	// successful refresh.
	AccessToken string

	// RefreshToken is the current refresh credential. Issuers may rotate it;
	// when a refresh response carries a new one it replaces this value.
	RefreshToken string

	// ClientType categorizes the session owner.
	ClientType ClientType

	// ExpiresAt is when the access token expires, derived from expires_in
	// (or the token's exp claim) at creation and on each refresh.
	ExpiresAt time.Time

	// RefreshExpiresAt is when the refresh token itself expires. The zero
	// value means the issuer did not supply refresh_expires_in and the
	// refresh token is not treated as expiring.
	RefreshExpiresAt time.Time

	// RetryCount is the number of failed refresh attempts in the current
	// cycle. Reset to zero on add and on every successful refresh.
	RetryCount int
}

// RefreshEventType identifies the state transition an event reports.
type RefreshEventType string

const (
	EventRefreshSuccess RefreshEventType = "refresh_success"
	EventRefreshFailed  RefreshEventType = "refresh_failed"
	EventSessionRemoved RefreshEventType = "session_removed"
)

// RefreshEvent reports one state transition for a managed session. Events are
// immutable and delivered synchronously to all registered handlers in
// registration order. Events for the same session arrive in transition order;
// no ordering holds across sessions.
type RefreshEvent struct {
	Type      RefreshEventType `json:"type"`
	SessionID string           `json:"session_id"`
	Timestamp time.Time        `json:"timestamp"`

	// CycleID correlates all events emitted by one refresh cycle. Empty for
	// evictions that happen outside a cycle (expired refresh token).
	CycleID string `json:"cycle_id,omitempty"`

	// Attempt is the 1-based attempt number for refresh_failed events.
	Attempt int `json:"attempt,omitempty"`

	// Err carries the failure for refresh_failed and session_removed events.
	Err error `json:"-"`
}

// RefreshEventHandler receives refresh events. Handlers run synchronously on
// the goroutine performing the transition; panics are recovered and logged
// without affecting other handlers or the scan loop.
type RefreshEventHandler func(event RefreshEvent)

// HandlerRegistration identifies a registered event handler so it can be
// removed later. Handles are never reused within one manager.
type HandlerRegistration uint64

// RefreshStats is a point-in-time summary of the managed-token table.
type RefreshStats struct {
	TotalManagedTokens   int `json:"total_managed_tokens"`
	TokensNeedingRefresh int `json:"tokens_needing_refresh"`
}
