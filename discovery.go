package tokenrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ProviderMetadata is the subset of an issuer's well-known configuration
// needed for token refresh.
type ProviderMetadata struct {
	Issuer             string `json:"issuer"`
	TokenEndpoint      string `json:"token_endpoint"`
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`
}

// discoverProviderMetadata fetches <issuer>/.well-known/openid-configuration
// and returns the fields this package cares about. The metadata must name a
// token endpoint.
func discoverProviderMetadata(ctx context.Context, client *http.Client, issuerURL string, logger *Logger) (*ProviderMetadata, error) {
	wellKnown := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch provider metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: truncateBody(body)}
	}

	var meta ProviderMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode provider metadata: %w", err)
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("provider metadata from %s has no token_endpoint", wellKnown)
	}
	logger.Debugf("discovered token endpoint %s for issuer %s", meta.TokenEndpoint, issuerURL)
	return &meta, nil
}
