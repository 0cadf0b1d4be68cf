// Package auth implements the three authentication schemes of spec.md §4.9:
// HTTP Basic, symmetric bearer JWT, and asymmetric OIDC with JWKS caching.
package auth

import (
	"encoding/base64"
	"net/http"
	"strings"

	"sql-proxy/internal/apierr"
)

// AuthType identifies which scheme produced an AuthContext.
type AuthType string

const (
	TypeNone  AuthType = "none"
	TypeBasic AuthType = "basic"
	TypeJWT   AuthType = "jwt"
	TypeOIDC  AuthType = "oidc"
)

// Context is the per-request derived authentication record. It is never
// persisted; it flows only as a template variable and through the request
// lifetime (spec.md §3).
type Context struct {
	Authenticated bool
	Username      string
	Email         string
	Roles         []string
	Groups        []string
	AuthType      AuthType

	// JTI and ExpiresAtUnix are populated only for JWT/OIDC tokens that
	// carry them; the MCP session layer (internal/mcp) binds a session to
	// JTI+expiry without ever storing the raw token (spec.md §9).
	JTI           string
	ExpiresAtUnix int64
}

// Anonymous is the zero AuthContext used when no auth config applies.
var Anonymous = Context{Authenticated: false, AuthType: TypeNone}

// ToTemplateVars renders the context as the flat map the C3 template engine
// expects under the "auth" namespace.
func (c Context) ToTemplateVars() map[string]any {
	roles := make([]any, len(c.Roles))
	for i, r := range c.Roles {
		roles[i] = r
	}
	groups := make([]any, len(c.Groups))
	for i, g := range c.Groups {
		groups[i] = g
	}
	return map[string]any{
		"authenticated": c.Authenticated,
		"username":      c.Username,
		"email":         c.Email,
		"roles":         roles,
		"groups":        groups,
	}
}

// Verifier authenticates one HTTP request per the endpoint's (or global)
// auth configuration.
type Verifier struct {
	basic *basicVerifier
	jwt   *jwtVerifier
	oidc  []*oidcVerifier
}

// Config collects the constructor inputs for a Verifier. It mirrors
// config.AuthConfig but stays decoupled from the config package so auth has
// no import-cycle risk with the packages config depends on.
type Config struct {
	BasicUsers map[string]string // nil/empty disables basic auth

	JWTSecret   string // empty disables symmetric bearer JWT
	JWTIssuer   string
	JWTAudience string

	OIDCProviders []OIDCProviderConfig
}

func New(cfg Config) *Verifier {
	v := &Verifier{}
	if len(cfg.BasicUsers) > 0 {
		v.basic = &basicVerifier{users: cfg.BasicUsers}
	}
	if cfg.JWTSecret != "" {
		v.jwt = &jwtVerifier{secret: []byte(cfg.JWTSecret), issuer: cfg.JWTIssuer, audience: cfg.JWTAudience}
	}
	for _, p := range cfg.OIDCProviders {
		v.oidc = append(v.oidc, newOIDCVerifier(p))
	}
	return v
}

// Authenticate runs whichever scheme matches the request's Authorization
// header. If no scheme is configured at all, it returns Anonymous with no
// error (the pipeline treats that endpoint as auth-optional).
func (v *Verifier) Authenticate(r *http.Request) (Context, error) {
	if v == nil || (v.basic == nil && v.jwt == nil && len(v.oidc) == 0) {
		return Anonymous, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Context{}, apierr.Authenticationf("missing Authorization header")
	}

	switch {
	case strings.HasPrefix(header, "Basic "):
		if v.basic == nil {
			return Context{}, apierr.Authenticationf("basic auth not configured")
		}
		return v.basic.verify(strings.TrimPrefix(header, "Basic "))

	case strings.HasPrefix(header, "Bearer "):
		token := strings.TrimPrefix(header, "Bearer ")
		// Try OIDC providers first (RS*), then symmetric JWT.
		var lastErr error
		for _, o := range v.oidc {
			ctx, err := o.verify(token)
			if err == nil {
				return ctx, nil
			}
			lastErr = err
		}
		if v.jwt != nil {
			return v.jwt.verify(token)
		}
		if lastErr != nil {
			return Context{}, lastErr
		}
		return Context{}, apierr.Authenticationf("no bearer verifier configured")

	default:
		return Context{}, apierr.Authenticationf("unsupported Authorization scheme")
	}
}

// basicVerifier implements HTTP Basic auth against a static user list.
type basicVerifier struct {
	users map[string]string
}

func (b *basicVerifier) verify(encoded string) (Context, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Context{}, apierr.Authenticationf("malformed basic credentials")
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return Context{}, apierr.Authenticationf("malformed basic credentials")
	}
	user, pass := parts[0], parts[1]
	want, ok := b.users[user]
	if !ok || want != pass {
		return Context{}, apierr.Authenticationf("invalid username or password")
	}
	return Context{Authenticated: true, Username: user, AuthType: TypeBasic}, nil
}
