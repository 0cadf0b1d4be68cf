package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"sql-proxy/internal/apierr"
)

// jwtVerifier verifies symmetric (HMAC) bearer tokens against a single
// configured secret.
type jwtVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

func (j *jwtVerifier) verify(tokenString string) (Context, error) {
	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}
	if j.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(j.audience))
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return j.secret, nil
	}, parserOpts...)
	if err != nil {
		return Context{}, apierr.Wrap(apierr.Authentication, "invalid token", err)
	}

	ctx := Context{Authenticated: true, AuthType: TypeJWT}
	if sub, ok := claims["sub"].(string); ok {
		ctx.Username = sub
	}
	if email, ok := claims["email"].(string); ok {
		ctx.Email = email
	}
	if jti, ok := claims["jti"].(string); ok {
		ctx.JTI = jti
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ctx.ExpiresAtUnix = exp.Unix()
	}
	ctx.Roles = stringSliceClaim(claims, "roles")
	ctx.Groups = stringSliceClaim(claims, "groups")

	return ctx, nil
}

func stringSliceClaim(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
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
