package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sql-proxy/internal/apierr"
)

// OIDCProviderConfig is the decoupled-from-config input for one OIDC
// issuer. Preset auto-fills UsernameClaim/RoleClaimPath for known providers
// (spec.md §4.9); explicit fields win over the preset. IssuerURL is not
// filled from the preset and must be set explicitly.
type OIDCProviderConfig struct {
	Preset           string
	IssuerURL        string
	AllowedAudiences []string
	ClockSkewSeconds int
	JWKSCacheHours   int
	UsernameClaim    string
	EmailClaim       string
	RolesClaim       string
	RoleClaimPath    string
	GroupsClaim      string
}

// providerPreset describes the Go-side defaults for a known OIDC provider.
type providerPreset struct {
	issuerURLTemplate string // may contain "{tenant}" / "{realm}" placeholders, left to the operator to fill via IssuerURL
	usernameClaim     string
	roleClaimPath     string
}

var presets = map[string]providerPreset{
	"google":    {usernameClaim: "email", roleClaimPath: ""},
	"azure":     {usernameClaim: "preferred_username", roleClaimPath: "roles"},
	"keycloak":  {usernameClaim: "preferred_username", roleClaimPath: "realm_access.roles"},
	"auth0":     {usernameClaim: "nickname", roleClaimPath: "https://schemas.example.com/roles"},
	"okta":      {usernameClaim: "preferred_username", roleClaimPath: "groups"},
	"github":    {usernameClaim: "login", roleClaimPath: ""},
	"generic":   {usernameClaim: "sub", roleClaimPath: ""},
}

func applyPreset(cfg *OIDCProviderConfig) {
	p, ok := presets[cfg.Preset]
	if !ok {
		return
	}
	if cfg.UsernameClaim == "" {
		cfg.UsernameClaim = p.usernameClaim
	}
	if cfg.RoleClaimPath == "" {
		cfg.RoleClaimPath = p.roleClaimPath
	}
}

type discoveryDoc struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// oidcVerifier verifies RS256/384/512 tokens for a single issuer, caching
// its discovery document and JWKS. JWKS refresh is triggered only on an
// unknown kid (spec.md §4.9), never eagerly.
type oidcVerifier struct {
	cfg        OIDCProviderConfig
	httpClient *http.Client

	mu            sync.RWMutex
	discovery     *discoveryDoc
	discoveryAt   time.Time
	keys          map[string]*rsa.PublicKey
	jwksFetchedAt time.Time
}

func newOIDCVerifier(cfg OIDCProviderConfig) *oidcVerifier {
	applyPreset(&cfg)
	if cfg.ClockSkewSeconds == 0 {
		cfg.ClockSkewSeconds = 300
	}
	if cfg.JWKSCacheHours == 0 {
		cfg.JWKSCacheHours = 24
	}
	return &oidcVerifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
	}
}

func (o *oidcVerifier) verify(tokenString string) (Context, error) {
	kid, err := extractKid(tokenString)
	if err != nil {
		return Context{}, apierr.Authenticationf("malformed token header: %v", err)
	}

	key, err := o.keyForKid(kid)
	if err != nil {
		return Context{}, apierr.Wrap(apierr.Authentication, "unable to resolve signing key", err)
	}

	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithLeeway(time.Duration(o.cfg.ClockSkewSeconds)*time.Second),
	}
	if iss := o.expectedIssuer(); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	parser := jwt.NewParser(parserOpts...)
	_, err = parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return Context{}, apierr.Wrap(apierr.Authentication, "invalid token", err)
	}

	if len(o.cfg.AllowedAudiences) > 0 {
		if !audienceMatches(claims, o.cfg.AllowedAudiences) {
			return Context{}, apierr.Authenticationf("Invalid audience in token")
		}
	}

	return o.buildContext(claims), nil
}

// expectedIssuer returns the issuer a token must carry to be accepted
// (spec.md §4.9's "validate iss"). The discovery document's own issuer
// is authoritative when cached — it's what the provider actually reported
// at its well-known endpoint — falling back to the configured IssuerURL
// when discovery hasn't been fetched yet.
func (o *oidcVerifier) expectedIssuer() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.discovery != nil && o.discovery.Issuer != "" {
		return o.discovery.Issuer
	}
	return o.cfg.IssuerURL
}

func audienceMatches(claims jwt.MapClaims, allowed []string) bool {
	raw, ok := claims["aud"]
	if !ok {
		return false
	}
	var tokenAuds []string
	switch v := raw.(type) {
	case string:
		tokenAuds = []string{v}
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok {
				tokenAuds = append(tokenAuds, s)
			}
		}
	}
	for _, want := range allowed {
		for _, got := range tokenAuds {
			if want == got {
				return true
			}
		}
	}
	return false
}

func (o *oidcVerifier) buildContext(claims jwt.MapClaims) Context {
	ctx := Context{Authenticated: true, AuthType: TypeOIDC}

	usernameClaim := o.cfg.UsernameClaim
	if usernameClaim == "" {
		usernameClaim = "sub"
	}
	if v, ok := claims[usernameClaim].(string); ok {
		ctx.Username = v
	}

	emailClaim := o.cfg.EmailClaim
	if emailClaim == "" {
		emailClaim = "email"
	}
	if v, ok := claims[emailClaim].(string); ok {
		ctx.Email = v
	}

	if o.cfg.RoleClaimPath != "" {
		ctx.Roles = dottedStringSlice(claims, o.cfg.RoleClaimPath)
	} else if o.cfg.RolesClaim != "" {
		ctx.Roles = stringSliceClaim(claims, o.cfg.RolesClaim)
	}
	if o.cfg.GroupsClaim != "" {
		ctx.Groups = stringSliceClaim(claims, o.cfg.GroupsClaim)
	}

	if jti, ok := claims["jti"].(string); ok {
		ctx.JTI = jti
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ctx.ExpiresAtUnix = exp.Unix()
	}

	return ctx
}

// dottedStringSlice resolves a nested claim path like "realm_access.roles"
// to a []string.
func dottedStringSlice(claims jwt.MapClaims, path string) []string {
	segs := strings.Split(path, ".")
	var cur any = map[string]any(claims)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		v, ok := m[seg]
		if !ok {
			return nil
		}
		cur = v
	}
	arr, ok := cur.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func extractKid(tokenString string) (string, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("not a JWT")
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	var header struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return "", err
	}
	if header.Kid == "" {
		return "", fmt.Errorf("token header has no kid")
	}
	return header.Kid, nil
}

// keyForKid returns the RSA public key for kid, fetching/refreshing the
// discovery document and JWKS as needed. On a cache miss it refreshes once
// and retries (spec.md §4.9, §7 "JWKS fetch on unknown kid: one refresh
// retry").
func (o *oidcVerifier) keyForKid(kid string) (*rsa.PublicKey, error) {
	o.mu.RLock()
	key, ok := o.keys[kid]
	o.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := o.refreshJWKS(); err != nil {
		return nil, err
	}

	o.mu.RLock()
	key, ok = o.keys[kid]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown key id %q after JWKS refresh", kid)
	}
	return key, nil
}

func (o *oidcVerifier) refreshJWKS() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ensureDiscoveryLocked(); err != nil {
		return err
	}

	resp, err := o.httpClient.Get(o.discovery.JWKSURI)
	if err != nil {
		return fmt.Errorf("jwks fetch: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("jwks read: %w", err)
	}

	var doc jwksDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("jwks parse: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	o.keys = keys
	o.jwksFetchedAt = time.Now()
	return nil
}

// ensureDiscoveryLocked fetches the discovery document if absent or older
// than 24h. Caller must hold o.mu.
func (o *oidcVerifier) ensureDiscoveryLocked() error {
	if o.discovery != nil && time.Since(o.discoveryAt) < 24*time.Hour {
		return nil
	}

	url := strings.TrimSuffix(o.cfg.IssuerURL, "/") + "/.well-known/openid-configuration"
	resp, err := o.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("discovery fetch: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("discovery read: %w", err)
	}

	var doc discoveryDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("discovery parse: %w", err)
	}

	o.discovery = &doc
	o.discoveryAt = time.Now()
	return nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
