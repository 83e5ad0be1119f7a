package httptransport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"voicecall-server-go/internal/platform/errors"
)

const subjectKey = "auth.subject"

// TokenAuth signs and verifies HS256 bearer tokens for the API and the call
// endpoint.
type TokenAuth struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenAuth returns nil when secret is empty, which disables auth.
func NewTokenAuth(secret, issuer string) *TokenAuth {
	if secret == "" {
		return nil
	}
	return &TokenAuth{secret: []byte(secret), issuer: issuer, ttl: 24 * time.Hour}
}

// WithTTL allows customising the expiration duration.
func (a *TokenAuth) WithTTL(ttl time.Duration) *TokenAuth {
	if ttl > 0 {
		a.ttl = ttl
	}
	return a
}

// Issue signs a token for subject.
func (a *TokenAuth) Issue(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(errors.KindPlatform, "auth.issue", "failed to sign token", err)
	}
	return signed, nil
}

// Verify validates the token and returns its subject.
func (a *TokenAuth) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Subject, nil
}

// VerifyRequest checks the Authorization header, falling back to a token
// query parameter for browsers that cannot set headers on websockets.
func (a *TokenAuth) VerifyRequest(r *http.Request) (string, error) {
	token := bearer(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", fmt.Errorf("missing bearer token")
	}
	return a.Verify(token)
}

// Middleware rejects requests without a valid token.
func (a *TokenAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := a.VerifyRequest(c.Request)
		if err != nil {
			RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		c.Set(subjectKey, subject)
		c.Next()
	}
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
