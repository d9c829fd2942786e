package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/config"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

// TokenClaims is the identity carried by an access token.
type TokenClaims struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type accessClaims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenParser verifies access tokens.
type TokenParser struct {
	key     interface{}
	methods []string
	issuer  string
}

// NewTokenParser builds a parser from either an HMAC secret or a PEM public key.
func NewTokenParser(cfg *config.AuthzConfig) (*TokenParser, error) {
	p := &TokenParser{issuer: cfg.TokenIssuer}

	switch {
	case cfg.TokenPublicKeyPEM != "":
		pem := []byte(cfg.TokenPublicKeyPEM)
		if key, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
			p.key = key
			p.methods = []string{"RS256", "RS384", "RS512"}
		} else if key, err := jwt.ParseECPublicKeyFromPEM(pem); err == nil {
			p.key = key
			p.methods = []string{"ES256", "ES384", "ES512"}
		} else {
			return nil, errors.New("token public key is neither RSA nor EC")
		}
	case cfg.TokenSecret != "":
		p.key = []byte(cfg.TokenSecret)
		p.methods = []string{"HS256", "HS384", "HS512"}
	default:
		return nil, errors.New("token verification requires a secret or a public key")
	}
	return p, nil
}

// Parse verifies token and returns its claims.
func (p *TokenParser) Parse(ctx context.Context, token string) (TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenClaims{}, errors.New("token is empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(p.methods),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	var claims accessClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return p.key, nil
	}, opts...); err != nil {
		return TokenClaims{}, fmt.Errorf("invalid token: %w", err)
	}

	userID := claims.ID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return TokenClaims{}, errors.New("invalid token: no user id")
	}
	return TokenClaims{
		UserID:    userID,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// TokenCacheKey hashes the token so raw credentials never become cache keys.
func TokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return cache.JoinKey("token", hex.EncodeToString(sum[:]))
}

// CachedTokenParser memoizes parsed tokens for a short ttl.
type CachedTokenParser struct {
	aside *cache.Aside[string, TokenClaims]
	now   func() time.Time
}

// NewCachedTokenParser wraps p with a cache-aside layer of the given ttl.
func NewCachedTokenParser(p *TokenParser, kv cache.KeyValueCache, ttl time.Duration, m *metrics.Metrics) *CachedTokenParser {
	return &CachedTokenParser{
		aside: cache.NewAside(kv, cache.AsideConfig[string, TokenClaims]{
			Purpose: "token",
			TTL:     ttl,
			Key:     TokenCacheKey,
			Compute: p.Parse,
			Metrics: m,
		}),
		now: time.Now,
	}
}

// Parse returns cached claims while the token itself is still unexpired.
func (c *CachedTokenParser) Parse(ctx context.Context, token string) (TokenClaims, error) {
	claims, err := c.aside.Get(ctx, token)
	if err != nil {
		return TokenClaims{}, err
	}
	if !c.now().Before(claims.ExpiresAt) {
		return TokenClaims{}, fmt.Errorf("invalid token: %w", jwt.ErrTokenExpired)
	}
	return claims, nil
}
