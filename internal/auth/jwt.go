// Package auth verifies the bearer tokens presented when a client opens its
// relay connection.
package auth

import (
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	// ErrNoToken is returned when the request carries no token at all.
	ErrNoToken = errors.New("no token provided")
	// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// DefaultTTL matches the lifetime of tokens issued by the chat API.
const DefaultTTL = 7 * 24 * time.Hour

// Verifier checks HMAC-signed tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for secret, or nil when secret is empty.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify parses token and returns the user ID it was issued for. The ID is
// read from the "userId" claim, falling back to "sub".
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}

	if id, ok := claims["userId"].(string); ok && id != "" {
		return id, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", errors.Wrap(ErrInvalidToken, "token carries no user id")
}

// Generate issues an HS256 token for userID. A non-positive ttl selects
// DefaultTTL.
func (v *Verifier) Generate(userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"userId": userID,
		"sub":    userID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// TokenFromRequest extracts a token from the Authorization header
// ("Bearer <token>") or, since browsers cannot set headers on WebSocket
// upgrades, from the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
