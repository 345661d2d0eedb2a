// Package tokenrefresh keeps OAuth2 token pairs fresh for the lifetime of
// the sessions that hold them.
//
// A TokenLifecycleManager owns an in-memory table of managed tokens keyed by
// session id. A background scan loop finds access tokens within the
// configured buffer of expiry and refreshes them through a pluggable
// TokenExchanger, retrying transient failures with exponential backoff up to
// a bounded number of attempts. Sessions whose refresh token has itself
// expired, or whose attempts are exhausted, are evicted. Callers can force a
// refresh at any time and observe lifecycle changes through synchronously
// dispatched events.
//
// Construct a manager with NewTokenLifecycleManager and pass it around
// explicitly, or register one process-wide with CreateTokenRefreshManager
// and fetch it with GetTokenRefreshManager. Call Dispose when done; it stops
// the scan loop and is safe to call more than once.
package tokenrefresh
