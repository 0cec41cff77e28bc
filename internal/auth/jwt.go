// Package auth verifies the bearer tokens presented on the WebSocket handshake
// and the REST API. Tokens are issued by an external identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a JWT cannot be parsed, has expired, or
// carries no user identity.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Name   string
}

// Verifier checks a raw token and returns the identity it asserts.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims holds the JWT payload. Identity providers disagree on where the user
// id lives, so id and uid are accepted next to the registered sub claim.
type Claims struct {
	jwt.RegisteredClaims
	ID   string `json:"id,omitempty"`
	UID  string `json:"uid,omitempty"`
	Name string `json:"name,omitempty"`
}

// UserID returns the first non-empty of sub, id and uid.
func (c *Claims) UserID() string {
	for _, v := range []string{c.Subject, c.ID, c.UID} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *Claims) identity() (Identity, error) {
	id := c.UserID()
	if id == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Identity{UserID: id, Name: c.Name}, nil
}

// parserOptions builds the shared validation options.
func parserOptions(methods []string, issuer, audience string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return opts
}

// HMACVerifier validates HS256 tokens signed with a shared secret. It serves
// development setups and service-to-service tokens.
type HMACVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

func NewHMACVerifier(secret, issuer, audience string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

func (v *HMACVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOptions([]string{"HS256"}, v.issuer, v.audience)...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("auth.HMACVerifier.Verify: %w", ErrInvalidToken)
	}

	ident, err := claims.identity()
	if err != nil {
		return Identity{}, fmt.Errorf("auth.HMACVerifier.Verify: %w", err)
	}
	return ident, nil
}

// IssueToken creates an HS256 token for userID. Used by the CLI client and
// tests against an HMAC-configured server.
func IssueToken(secret, userID, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueToken: %w", err)
	}

	return signed, nil
}
