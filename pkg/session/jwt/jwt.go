// Package jwt resolves sessions from signed JSON Web Tokens, verified either with a
// shared HMAC secret or with keys fetched from a JWKS endpoint.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"

	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/session"
)

var (
	jwkRefreshInterval = 48 * time.Hour

	errInvalidToken   = crpcerrors.UnauthorizedError("invalid bearer token")
	errInvalidSubject = crpcerrors.UnauthorizedError("invalid subject")
)

// Resolver verifies bearer tokens and turns their claims into sessions.
type Resolver struct {
	issuer   string
	audience string
	methods  []string
	keyFunc  jwt.Keyfunc
	jwks     *keyfunc.JWKS
}

var _ session.Resolver = (*Resolver)(nil)

type ResolverOption func(*Resolver)

// WithIssuer requires the "iss" claim to equal issuer.
func WithIssuer(issuer string) ResolverOption {
	return func(r *Resolver) {
		r.issuer = issuer
	}
}

// WithAudience requires the "aud" claim to contain audience.
func WithAudience(audience string) ResolverOption {
	return func(r *Resolver) {
		r.audience = audience
	}
}

// NewHMACResolver verifies HS256 tokens signed with secret.
func NewHMACResolver(secret []byte, opts ...ResolverOption) (*Resolver, error) {
	if len(secret) == 0 {
		return nil, errors.New("invalid auth configuration, please specify a jwt secret")
	}
	r := &Resolver{
		methods: []string{"HS256", "HS384", "HS512"},
		keyFunc: func(*jwt.Token) (any, error) { return secret, nil },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewJWKSResolver verifies RS256 tokens against the keys served at jwksURL. Keys are
// refreshed in the background until Close is called.
func NewJWKSResolver(jwksURL string, opts ...ResolverOption) (*Resolver, error) {
	client := retryablehttp.NewClient()
	client.Logger = nil
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Client:            client.StandardClient(),
		RefreshInterval:   jwkRefreshInterval,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching keys from %v: %w", jwksURL, err)
	}
	r := &Resolver{
		methods: []string{"RS256"},
		keyFunc: jwks.Keyfunc,
		jwks:    jwks,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Resolver) ResolveSession(ctx context.Context) (*session.Session, error) {
	raw, ok := session.TokenFromContext(ctx)
	if !ok {
		return nil, nil
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods(r.methods), jwt.WithExpirationRequired()}
	if r.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(r.issuer))
	}
	if r.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(r.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.NewParser(parserOpts...).ParseWithClaims(raw, claims, r.keyFunc)
	if err != nil || !token.Valid {
		return nil, crpcerrors.With(err, errInvalidToken)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, errInvalidSubject
	}

	s := &session.Session{
		UserID: subject,
		Token:  raw,
		Claims: claims,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	if admin, ok := claims["admin"].(bool); ok {
		s.IsAdmin = admin
	}
	if plan, ok := claims["plan"].(string); ok {
		s.Plan = plan
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, role := range roles {
			if r, ok := role.(string); ok {
				s.Roles = append(s.Roles, r)
			}
		}
	}
	return s, nil
}

// Close stops the background key refresh, if any.
func (r *Resolver) Close() {
	if r.jwks != nil {
		r.jwks.EndBackground()
	}
}
