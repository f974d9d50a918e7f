package auth

import (
	"context"
	"strings"
)

type claimsContextKey struct{}
type tokenContextKey struct{}

// ContextWithClaims attaches verified token claims to the context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	cp := *claims
	cp.Roles = cloneRoles(claims.Roles)
	return context.WithValue(ctx, claimsContextKey{}, &cp)
}

// ClaimsFromContext extracts the verified claims from the context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// UserIDFromContext returns the subject of the attached claims.
func UserIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", false
	}
	return claims.Subject, true
}

// RolesFromContext returns a copy of the roles in the attached claims.
func RolesFromContext(ctx context.Context) []string {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || len(claims.Roles) == 0 {
		return nil
	}
	return cloneRoles(claims.Roles)
}

// HasRole checks whether the attached claims grant role. Comparison ignores case.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
