package tokenrefresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// deriveExpiry computes the access token expiry for a token response. A
// positive expires_in wins; otherwise the access token's exp claim is used,
// provided it parses and lies in the future relative to now.
func deriveExpiry(resp *TokenResponse, now time.Time) (time.Time, error) {
	if resp.ExpiresIn > 0 {
		return now.Add(time.Duration(resp.ExpiresIn) * time.Second), nil
	}
	exp, err := accessTokenExpiry(resp.AccessToken)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoUsableExpiry, err)
	}
	if !exp.After(now) {
		return time.Time{}, fmt.Errorf("%w: exp claim %s is not in the future",
			ErrNoUsableExpiry, exp.Format(time.RFC3339))
	}
	return exp, nil
}

// accessTokenExpiry extracts the exp claim from a JWT access token without
// verifying the signature. Verification stays with the resource server; only
// the expiry is needed here.
func accessTokenExpiry(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if expiry == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return expiry.Time, nil
}
