// Package auth carries the authenticated principal through request
// contexts and validates static API keys.
package auth

import (
	"context"
	"net/http"
	"strings"
)

type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts the token from an Authorization: Bearer header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// KeySet is the configured static API key allowlist.
type KeySet map[string]struct{}

func NewKeySet(keys []string) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return set
}

func (s KeySet) Contains(key string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[key]
	return ok
}
