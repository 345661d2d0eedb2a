package tokenrefresh

import "encoding/json"

// redactedValue replaces secrets when configs are serialized for logs or
// diagnostics endpoints.
const redactedValue = "[REDACTED]"

// MarshalJSON hides the client secret so exchanger configs can be dumped
// into logs without leaking credentials.
func (c HTTPExchangerConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.redactedMap())
}

// MarshalYAML applies the same redaction for YAML output.
func (c HTTPExchangerConfig) MarshalYAML() (interface{}, error) {
	return c.redactedMap(), nil
}

func (c HTTPExchangerConfig) redactedMap() map[string]interface{} {
	secret := c.ClientSecret
	if secret != "" {
		secret = redactedValue
	}
	out := map[string]interface{}{
		"tokenUrl":          c.TokenURL,
		"issuerUrl":         c.IssuerURL,
		"clientId":          c.ClientID,
		"clientSecret":      secret,
		"requestsPerSecond": c.RequestsPerSecond,
		"timeout":           c.Timeout.String(),
	}
	if len(c.Scopes) > 0 {
		out["scopes"] = c.Scopes
	}
	return out
}
