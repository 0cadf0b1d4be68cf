package pipeline

import (
	"sql-proxy/internal/auth"
	"sql-proxy/internal/config"
)

// authConfigFrom converts a config.AuthConfig into the auth package's own
// (deliberately decoupled) Config shape. It lives here rather than in
// internal/auth so that package keeps no import-cycle exposure to config.
func authConfigFrom(cfg *config.AuthConfig) auth.Config {
	var out auth.Config
	if cfg == nil {
		return out
	}
	if cfg.Basic != nil && cfg.Basic.Enabled {
		out.BasicUsers = cfg.Basic.Users
	}
	if cfg.JWT != nil && cfg.JWT.Enabled {
		out.JWTSecret = cfg.JWT.Secret
		out.JWTIssuer = cfg.JWT.Issuer
		out.JWTAudience = cfg.JWT.Audience
	}
	for _, p := range cfg.OIDC {
		out.OIDCProviders = append(out.OIDCProviders, auth.OIDCProviderConfig{
			Preset:           p.Preset,
			IssuerURL:        p.IssuerURL,
			AllowedAudiences: p.AllowedAudiences,
			ClockSkewSeconds: p.ClockSkewSeconds,
			JWKSCacheHours:   p.JWKSCacheHours,
			UsernameClaim:    p.UsernameClaim,
			EmailClaim:       p.EmailClaim,
			RolesClaim:       p.RolesClaim,
			RoleClaimPath:    p.RoleClaimPath,
			GroupsClaim:      p.GroupsClaim,
		})
	}
	return out
}

// effectiveRoles returns the role requirement that applies to ep: its own
// auth override if it declares one, else the global default.
func effectiveRoles(globalRoles []string, ep *config.EndpointConfig) []string {
	if ep.Auth != nil && len(ep.Auth.RequiredRoles) > 0 {
		return ep.Auth.RequiredRoles
	}
	return globalRoles
}

// rolesIntersect reports whether any of have intersects required. An empty
// required list means no role gate applies.
func rolesIntersect(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	want := make(map[string]bool, len(required))
	for _, r := range required {
		want[r] = true
	}
	for _, h := range have {
		if want[h] {
			return true
		}
	}
	return false
}
