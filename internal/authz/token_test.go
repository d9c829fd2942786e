package authz

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/media-storage-gateway/internal/cache"
	"github.com/kenneth/media-storage-gateway/internal/config"
)

const testSecret = "test-secret"

func signHS256(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(expiry time.Duration) accessClaims {
	return accessClaims{
		ID:    "user-1",
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "issuer",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
}

func TestTokenParser_HMAC(t *testing.T) {
	parser, err := NewTokenParser(&config.AuthzConfig{TokenSecret: testSecret, TokenIssuer: "issuer"})
	require.NoError(t, err)
	ctx := context.Background()

	claims, err := parser.Parse(ctx, signHS256(t, testSecret, validClaims(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user@example.com", claims.Email)

	_, err = parser.Parse(ctx, signHS256(t, "other-secret", validClaims(time.Hour)))
	assert.Error(t, err, "wrong signature")

	_, err = parser.Parse(ctx, signHS256(t, testSecret, validClaims(-time.Minute)))
	assert.True(t, errors.Is(err, jwt.ErrTokenExpired))

	wrongIssuer := validClaims(time.Hour)
	wrongIssuer.Issuer = "someone-else"
	_, err = parser.Parse(ctx, signHS256(t, testSecret, wrongIssuer))
	assert.Error(t, err)

	_, err = parser.Parse(ctx, "")
	assert.Error(t, err)
}

func TestTokenParser_SubjectFallback(t *testing.T) {
	parser, err := NewTokenParser(&config.AuthzConfig{TokenSecret: testSecret})
	require.NoError(t, err)

	claims := validClaims(time.Hour)
	claims.ID = ""
	claims.Subject = "subject-1"

	parsed, err := parser.Parse(context.Background(), signHS256(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, "subject-1", parsed.UserID)
}

func TestTokenParser_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parser, err := NewTokenParser(&config.AuthzConfig{TokenPublicKeyPEM: string(publicPEM)})
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(time.Hour)).SignedString(key)
	require.NoError(t, err)
	claims, err := parser.Parse(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	// An HMAC token must not be accepted by an RSA parser.
	_, err = parser.Parse(context.Background(), signHS256(t, string(publicPEM), validClaims(time.Hour)))
	assert.Error(t, err)
}

func TestNewTokenParser_RequiresKey(t *testing.T) {
	_, err := NewTokenParser(&config.AuthzConfig{})
	assert.Error(t, err)

	_, err = NewTokenParser(&config.AuthzConfig{TokenPublicKeyPEM: "not a pem"})
	assert.Error(t, err)
}

func TestCachedTokenParser(t *testing.T) {
	parser, err := NewTokenParser(&config.AuthzConfig{TokenSecret: testSecret})
	require.NoError(t, err)
	kv := cache.NewMemoryCache()
	cached := NewCachedTokenParser(parser, kv, time.Minute, nil)
	ctx := context.Background()

	token := signHS256(t, testSecret, validClaims(30*time.Second))
	claims, err := cached.Parse(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	raw, found, _ := kv.Get(ctx, TokenCacheKey(token))
	require.True(t, found)
	assert.NotContains(t, raw, token)
	assert.NotContains(t, TokenCacheKey(token), token)

	// A cached entry never outlives the token it came from.
	cached.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = cached.Parse(ctx, token)
	assert.True(t, errors.Is(err, jwt.ErrTokenExpired))
}
