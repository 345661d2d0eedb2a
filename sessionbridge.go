package tokenrefresh

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

// Keys used inside the HTTP session's value map.
const (
	sessionKeySessionID    = "session_id"
	sessionKeyAccessToken  = "access_token"
	sessionKeyRefreshToken = "refresh_token"
	sessionKeyExpiresAt    = "expires_at"
	sessionKeyClientType   = "client_type"
)

const minSessionKeyLength = 32

// NewCookieSessionStore builds a cookie-backed session store hardened for
// carrying token material: both keys must be at least 32 bytes and the
// cookie is HttpOnly, Secure and SameSite=Lax.
func NewCookieSessionStore(authKey, encryptionKey []byte) (sessions.Store, error) {
	if len(authKey) < minSessionKeyLength {
		return nil, fmt.Errorf("auth key must be at least %d bytes, got %d", minSessionKeyLength, len(authKey))
	}
	if len(encryptionKey) < minSessionKeyLength {
		return nil, fmt.Errorf("encryption key must be at least %d bytes, got %d", minSessionKeyLength, len(encryptionKey))
	}

	store := sessions.NewCookieStore(authKey, encryptionKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	return store, nil
}

// SessionBridge connects cookie-backed web sessions to the manager's token
// table. Enroll reads the tokens held in an HTTP session into the manager,
// Sync writes the manager's current tokens back out, and Drop tears both
// sides down together.
type SessionBridge struct {
	store   sessions.Store
	name    string
	manager *TokenLifecycleManager
	logger  *Logger
}

func NewSessionBridge(store sessions.Store, sessionName string, manager *TokenLifecycleManager, logger *Logger) (*SessionBridge, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if sessionName == "" {
		return nil, errors.New("session name is required")
	}
	if manager == nil {
		return nil, errors.New("token lifecycle manager is required")
	}
	if logger == nil {
		logger = GetSingletonNoOpLogger()
	}
	return &SessionBridge{
		store:   store,
		name:    sessionName,
		manager: manager,
		logger:  logger,
	}, nil
}

// Enroll registers the tokens stored in the request's HTTP session with the
// manager. A session without an id value is assigned one and the cookie
// saved. The expiry comes from the session's expires_at value when it is in
// the future, otherwise from the access token itself.
func (b *SessionBridge) Enroll(w http.ResponseWriter, r *http.Request, clientType ClientType) (ManagedToken, error) {
	session, err := b.store.Get(r, b.name)
	if err != nil {
		return ManagedToken{}, fmt.Errorf("load session %q: %w", b.name, err)
	}

	sessionID, _ := session.Values[sessionKeySessionID].(string)
	assigned := false
	if sessionID == "" {
		sessionID = uuid.NewString()
		session.Values[sessionKeySessionID] = sessionID
		assigned = true
	}

	accessToken, _ := session.Values[sessionKeyAccessToken].(string)
	refreshToken, _ := session.Values[sessionKeyRefreshToken].(string)
	resp := &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if raw, ok := session.Values[sessionKeyExpiresAt].(int64); ok {
		if secs := int(time.Until(time.Unix(raw, 0)) / time.Second); secs > 0 {
			resp.ExpiresIn = secs
		}
	}

	token, err := b.manager.AddManagedToken(sessionID, resp, clientType)
	if err != nil {
		return ManagedToken{}, err
	}
	if assigned {
		if err := session.Save(r, w); err != nil {
			return ManagedToken{}, fmt.Errorf("save session %q: %w", b.name, err)
		}
	}
	b.logger.Debugf("enrolled session %s (%s) from HTTP session %q", sessionID, token.ClientType, b.name)
	return token, nil
}

// Sync writes the manager's current tokens for the request's session back
// into the HTTP session and saves it. A session the manager no longer tracks
// (evicted, or never enrolled) returns ErrSessionNotFound so the caller can
// send the user back through login.
func (b *SessionBridge) Sync(w http.ResponseWriter, r *http.Request) (ManagedToken, error) {
	session, err := b.store.Get(r, b.name)
	if err != nil {
		return ManagedToken{}, fmt.Errorf("load session %q: %w", b.name, err)
	}

	sessionID, _ := session.Values[sessionKeySessionID].(string)
	if sessionID == "" {
		return ManagedToken{}, fmt.Errorf("sync session: %w", ErrSessionNotFound)
	}
	token, ok := b.manager.GetManagedToken(sessionID)
	if !ok {
		return ManagedToken{}, fmt.Errorf("sync session %q: %w", sessionID, ErrSessionNotFound)
	}

	session.Values[sessionKeyAccessToken] = token.AccessToken
	session.Values[sessionKeyRefreshToken] = token.RefreshToken
	session.Values[sessionKeyExpiresAt] = token.ExpiresAt.Unix()
	session.Values[sessionKeyClientType] = string(token.ClientType)
	if err := session.Save(r, w); err != nil {
		return ManagedToken{}, fmt.Errorf("save session %q: %w", b.name, err)
	}
	return token, nil
}

// Drop removes the session from the manager and expires the HTTP session
// cookie. Sessions unknown to the manager are still expired client side.
func (b *SessionBridge) Drop(w http.ResponseWriter, r *http.Request) error {
	session, err := b.store.Get(r, b.name)
	if err != nil {
		return fmt.Errorf("load session %q: %w", b.name, err)
	}

	if sessionID, _ := session.Values[sessionKeySessionID].(string); sessionID != "" {
		b.manager.RemoveManagedToken(sessionID)
		b.logger.Debugf("dropped session %s", sessionID)
	}

	for k := range session.Values {
		delete(session.Values, k)
	}
	if session.Options == nil {
		session.Options = &sessions.Options{Path: "/"}
	}
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save session %q: %w", b.name, err)
	}
	return nil
}
