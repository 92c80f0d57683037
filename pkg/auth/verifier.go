// Package auth verifies bearer access tokens issued by an OIDC provider
// (AWS Cognito in production) against its published signing keys.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenUseAccess is the only accepted value of the token_use claim.
const TokenUseAccess = "access"

// Verifier checks bearer tokens: signature first, then claims.
type Verifier struct {
	keys     *KeySet
	issuer   string
	clientID string
	now      func() time.Time
}

// NewVerifier returns a verifier for tokens issued by issuer to clientID.
func NewVerifier(keys *KeySet, issuer, clientID string) *Verifier {
	return &Verifier{
		keys:     keys,
		issuer:   strings.TrimRight(issuer, "/"),
		clientID: clientID,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify validates an Authorization header value and returns the token claims.
func (v *Verifier) Verify(ctx context.Context, authHeader string) (jwt.MapClaims, error) {
	raw, err := bearerToken(authHeader)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err = parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, newError(ReasonMalformedToken, errors.New("missing kid header"))
		}
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				return nil, newError(ReasonKeyNotFound, err)
			}
			return nil, newError(ReasonKeySetUnavailable, err)
		}
		return key, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return newError(ReasonExpired, errors.New("exp claim missing or invalid"))
	}
	if !v.now().Before(exp.Time) {
		return newError(ReasonExpired, fmt.Errorf("expired at %s", exp.Time.UTC().Format(time.RFC3339)))
	}

	if !v.audienceMatches(claims) {
		return newError(ReasonAudience, nil)
	}

	iss, _ := claims.GetIssuer()
	if strings.TrimRight(iss, "/") != v.issuer {
		return newError(ReasonIssuer, fmt.Errorf("got %q", iss))
	}

	if use, _ := claims["token_use"].(string); use != TokenUseAccess {
		return newError(ReasonTokenUse, fmt.Errorf("got %q", use))
	}
	return nil
}

// audienceMatches accepts the aud claim, or Cognito's client_id claim when
// aud is absent (Cognito access tokens carry no aud).
func (v *Verifier) audienceMatches(claims jwt.MapClaims) bool {
	if _, ok := claims["aud"]; ok {
		aud, err := claims.GetAudience()
		if err != nil {
			return false
		}
		for _, a := range aud {
			if a == v.clientID {
				return true
			}
		}
		return false
	}
	clientID, _ := claims["client_id"].(string)
	return clientID != "" && clientID == v.clientID
}

func bearerToken(header string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", newError(ReasonMalformedHeader, nil)
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", newError(ReasonMalformedHeader, nil)
	}
	return token, nil
}

func classifyParseError(err error) error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newError(ReasonBadSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(ReasonMalformedToken, err)
	default:
		// Unexpected algorithm and similar unverifiable tokens.
		return newError(ReasonBadSignature, err)
	}
}
