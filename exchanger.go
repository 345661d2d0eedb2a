package tokenrefresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultExchangeTimeout = 10 * time.Second

	// maxTokenResponseBytes bounds how much of a token endpoint response is
	// read into memory.
	maxTokenResponseBytes = 1 << 20

	// maxErrorBodyBytes bounds how much of an error response body is kept
	// for the returned HTTPError.
	maxErrorBodyBytes = 512
)

// HTTPExchangerConfig configures an HTTPTokenExchanger.
type HTTPExchangerConfig struct {
	// TokenURL is the issuer's token endpoint. Leave empty to discover it
	// from IssuerURL's well-known metadata on first use.
	TokenURL string

	// IssuerURL is consulted for endpoint discovery when TokenURL is empty.
	IssuerURL string

	ClientID     string
	ClientSecret string

	// Scopes are requested on each refresh when non-empty.
	Scopes []string

	// RequestsPerSecond caps outbound calls to the token endpoint. Zero
	// disables limiting.
	RequestsPerSecond int

	// Timeout bounds each HTTP exchange. Zero selects 10s.
	Timeout time.Duration

	// HTTPClient overrides the tuned default client, mainly for tests.
	HTTPClient *http.Client
}

// HTTPTokenExchanger redeems refresh tokens against an OAuth2 token endpoint
// using the refresh_token grant. It satisfies TokenExchanger and is safe for
// concurrent use.
type HTTPTokenExchanger struct {
	issuerURL    string
	clientID     string
	clientSecret string
	scopes       []string
	client       *http.Client
	limiter      *rate.Limiter
	logger       *Logger

	mu       sync.Mutex
	tokenURL string
}

// NewHTTPTokenExchanger validates the config and builds an exchanger. No
// network calls happen here; endpoint discovery, when needed, runs lazily on
// the first refresh.
func NewHTTPTokenExchanger(cfg HTTPExchangerConfig, logger *Logger) (*HTTPTokenExchanger, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if cfg.TokenURL == "" && cfg.IssuerURL == "" {
		return nil, errors.New("either token url or issuer url is required")
	}
	if logger == nil {
		logger = GetSingletonNoOpLogger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newExchangerHTTPClient(timeout)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}

	return &HTTPTokenExchanger{
		issuerURL:    cfg.IssuerURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scopes:       cfg.Scopes,
		client:       client,
		limiter:      limiter,
		logger:       logger,
		tokenURL:     cfg.TokenURL,
	}, nil
}

// Refresh posts a refresh_token grant to the token endpoint and decodes the
// response. Non-200 statuses come back as *HTTPError with a truncated body.
func (e *HTTPTokenExchanger) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("token endpoint rate limit: %w", err)
		}
	}
	tokenURL, err := e.endpoint(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {e.clientID},
	}
	if e.clientSecret != "" {
		form.Set("client_secret", e.clientSecret)
	}
	if len(e.scopes) > 0 {
		form.Set("scope", strings.Join(e.scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: truncateBody(body)}
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	e.logger.Debugf("token endpoint issued new credentials (expires_in=%d)", token.ExpiresIn)
	return &token, nil
}

// endpoint returns the token endpoint, discovering it from the issuer's
// well-known metadata on first use. Discovery failures are not cached, so a
// transient outage only affects the refresh that hit it.
func (e *HTTPTokenExchanger) endpoint(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tokenURL != "" {
		return e.tokenURL, nil
	}
	meta, err := discoverProviderMetadata(ctx, e.client, e.issuerURL, e.logger)
	if err != nil {
		return "", fmt.Errorf("discover token endpoint: %w", err)
	}
	e.tokenURL = meta.TokenEndpoint
	return e.tokenURL, nil
}

func newExchangerHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodyBytes {
		return s[:maxErrorBodyBytes] + "..."
	}
	return s
}
