package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func startOIDCServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	var srv *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":   srv.URL,
			"jwks_uri": srv.URL + "/jwks.json",
		})
	})
	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
		e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{"kty": "RSA", "kid": kid, "n": n, "e": e, "alg": "RS256"},
			},
		})
	})

	srv = httptest.NewServer(mux)
	return srv
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestOIDCInvalidAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kid := "key-1"
	srv := startOIDCServer(t, key, kid)
	defer srv.Close()

	v := New(Config{OIDCProviders: []OIDCProviderConfig{
		{IssuerURL: srv.URL, AllowedAudiences: []string{"svc-X"}},
	}})

	claims := jwt.MapClaims{
		"sub": "carol",
		"iss": srv.URL,
		"aud": []string{"svc-Y"},
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := signRS256(t, key, kid, claims)

	_, err = v.Authenticate(reqWithAuth(t, "Bearer "+token))
	if err == nil {
		t.Fatal("expected audience mismatch error")
	}
	want := "Invalid audience in token"
	if got := fmt.Sprint(err); !contains(got, want) {
		t.Errorf("error %q does not mention %q", got, want)
	}
}

func TestOIDCValidAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kid := "key-1"
	srv := startOIDCServer(t, key, kid)
	defer srv.Close()

	v := New(Config{OIDCProviders: []OIDCProviderConfig{
		{IssuerURL: srv.URL, AllowedAudiences: []string{"svc-X"}},
	}})

	claims := jwt.MapClaims{
		"sub": "carol",
		"iss": srv.URL,
		"aud": []string{"svc-X"},
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := signRS256(t, key, kid, claims)

	ctx, err := v.Authenticate(reqWithAuth(t, "Bearer "+token))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ctx.Authenticated || ctx.Username != "carol" {
		t.Errorf("got %+v", ctx)
	}
}

func TestOIDCForgedIssuerRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kid := "key-1"
	srv := startOIDCServer(t, key, kid)
	defer srv.Close()

	v := New(Config{OIDCProviders: []OIDCProviderConfig{
		{IssuerURL: srv.URL, AllowedAudiences: []string{"svc-X"}},
	}})

	claims := jwt.MapClaims{
		"sub": "mallory",
		"iss": "https://attacker.example.com",
		"aud": []string{"svc-X"},
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := signRS256(t, key, kid, claims)

	_, err = v.Authenticate(reqWithAuth(t, "Bearer "+token))
	if err == nil {
		t.Fatal("expected a token with a forged issuer to be rejected")
	}
}

func TestOIDCMissingIssuerRejected(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kid := "key-1"
	srv := startOIDCServer(t, key, kid)
	defer srv.Close()

	v := New(Config{OIDCProviders: []OIDCProviderConfig{
		{IssuerURL: srv.URL, AllowedAudiences: []string{"svc-X"}},
	}})

	claims := jwt.MapClaims{
		"sub": "eve",
		"aud": []string{"svc-X"},
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := signRS256(t, key, kid, claims)

	_, err = v.Authenticate(reqWithAuth(t, "Bearer "+token))
	if err == nil {
		t.Fatal("expected a token with no issuer claim to be rejected once issuer validation is required")
	}
}

func TestOIDCUnknownKidTriggersOneRefresh(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kid := "rotated-key"
	srv := startOIDCServer(t, key, kid)
	defer srv.Close()

	v := New(Config{OIDCProviders: []OIDCProviderConfig{
		{IssuerURL: srv.URL},
	}})

	claims := jwt.MapClaims{"sub": "dave", "iss": srv.URL, "exp": time.Now().Add(time.Hour).Unix()}
	token := signRS256(t, key, kid, claims)

	// first verification call has an empty key cache; it must refresh once
	// and still succeed because the kid is present in the live JWKS.
	ctx, err := v.Authenticate(reqWithAuth(t, "Bearer "+token))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Username != "dave" {
		t.Errorf("got %+v", ctx)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
