package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var jwksMethods = []string{"EdDSA", "RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"} //nolint:gochecknoglobals // allow-list

type JWKSOptions struct {
	Issuer   string
	Audience string
	// Refresh is the minimum interval between key set fetches triggered by
	// a token naming an unknown kid.
	Refresh time.Duration
	// Interval is the background refresh period.
	Interval time.Duration
	Client   *http.Client
}

// JWKSVerifier validates asymmetric tokens against a remote JSON Web Key
// Set. The set is cached, refreshed in the background and refetched when a
// token names an unknown kid.
type JWKSVerifier struct {
	keys keyfunc.Keyfunc
	opts JWKSOptions
}

// NewJWKSVerifier loads the key set at url and keeps it fresh until ctx is
// cancelled.
func NewJWKSVerifier(ctx context.Context, url string, opts JWKSOptions) (*JWKSVerifier, error) {
	if opts.Refresh <= 0 {
		opts.Refresh = time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}

	keys, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{url}, keyfunc.Override{
		Client:            opts.Client,
		HTTPTimeout:       10 * time.Second,
		RateLimitWaitMax:  time.Second,
		RefreshInterval:   opts.Interval,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(opts.Refresh), 1),
	})
	if err != nil {
		return nil, fmt.Errorf("auth.NewJWKSVerifier: %w", err)
	}
	return &JWKSVerifier{keys: keys, opts: opts}, nil
}

func (v *JWKSVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.keys.Keyfunc, parserOptions(jwksMethods, v.opts.Issuer, v.opts.Audience)...)
	if err != nil || !token.Valid {
		log.Debug().Err(err).Msg("auth.JWKSVerifier: token rejected")
		return Identity{}, fmt.Errorf("auth.JWKSVerifier.Verify: %w", ErrInvalidToken)
	}

	ident, err := claims.identity()
	if err != nil {
		return Identity{}, fmt.Errorf("auth.JWKSVerifier.Verify: %w", err)
	}
	return ident, nil
}
