package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "claimflow-test-key"

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs tokens with a fresh RSA key and publishes the public
// half on an httptest JWKS endpoint.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	jwksServer *httptest.Server
	issuer     string
	audience   string
	jwksHits   atomic.Int64
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	ti := &tokenIssuer{
		privateKey: key,
		issuer:     "https://auth.test.claimflow.dev",
		audience:   "claimflow-api-test",
	}

	jwk := map[string]any{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}
	ti.jwksServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ti.jwksHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{jwk}})
	}))
	t.Cleanup(ti.jwksServer.Close)

	return ti
}

func (ti *tokenIssuer) mapClaims(claims TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   claims.SubjectID,
		"email": claims.Email,
	}
	if len(claims.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mc["roles"] = roles
	}
	maps.Copy(mc, claims.Extra)
	return mc
}

func (ti *tokenIssuer) sign(mc jwt.MapClaims, key *rsa.PrivateKey) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now, now.Add(time.Hour)), ti.privateKey)
}

// GenerateExpiredToken creates a JWT token that expired an hour ago, well
// past the verifier's leeway.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now.Add(-2*time.Hour), now.Add(-time.Hour)), ti.privateKey)
}

// GenerateForeignToken signs otherwise valid claims with a key the JWKS
// endpoint does not publish.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generate RSA key: " + err.Error())
	}
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now, now.Add(time.Hour)), key)
}

// JWKSURL returns the URL of the JWKS endpoint served by this issuer.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwksServer.URL
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}

// JWKSFetches reports how many times the JWKS endpoint has been hit.
func (ti *tokenIssuer) JWKSFetches() int64 {
	return ti.jwksHits.Load()
}
