package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// TokenConfig is a bearer token bound to a principal name and its command permissions.
type TokenConfig struct {
	Name        string
	Token       string
	Permissions []string
}

// Principal is an authenticated caller credential.
type Principal struct {
	Name        string
	Permissions map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing API token")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return NewPrincipal(t.Name, t.Permissions), true
		}
	}
	return Principal{}, false
}

// NewPrincipal builds a principal from a raw permission list.
func NewPrincipal(name string, permissions []string) Principal {
	return Principal{
		Name:        name,
		Permissions: normalizePermissions(permissions),
	}
}

// normalizePermissions upper-cases the hex part so "cmd_fd01" and "cmd_FD01" match.
func normalizePermissions(perms []string) map[string]struct{} {
	out := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p != "*" && strings.HasPrefix(strings.ToLower(p), "cmd_") {
			p = "cmd_" + strings.ToUpper(p[len("cmd_"):])
		}
		out[p] = struct{}{}
	}
	return out
}
