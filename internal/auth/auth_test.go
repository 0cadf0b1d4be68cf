package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func reqWithAuth(t *testing.T, header string) *http.Request {
	t.Helper()
	r := httptest.NewRequest("GET", "/", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestBasicAuthSuccess(t *testing.T) {
	v := New(Config{BasicUsers: map[string]string{"alice": "secret"}})
	creds := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	ctx, err := v.Authenticate(reqWithAuth(t, "Basic "+creds))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ctx.Authenticated || ctx.Username != "alice" || ctx.AuthType != TypeBasic {
		t.Errorf("got %+v", ctx)
	}
}

func TestBasicAuthWrongPassword(t *testing.T) {
	v := New(Config{BasicUsers: map[string]string{"alice": "secret"}})
	creds := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	_, err := v.Authenticate(reqWithAuth(t, "Basic "+creds))
	if err == nil {
		t.Fatal("expected authentication error")
	}
}

func TestNoAuthConfiguredIsAnonymous(t *testing.T) {
	v := New(Config{})
	ctx, err := v.Authenticate(reqWithAuth(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.Authenticated {
		t.Errorf("expected anonymous context when no auth is configured")
	}
}

func TestMissingAuthHeaderWhenConfigured(t *testing.T) {
	v := New(Config{BasicUsers: map[string]string{"alice": "secret"}})
	_, err := v.Authenticate(reqWithAuth(t, ""))
	if err == nil {
		t.Fatal("expected error for missing Authorization header")
	}
}
