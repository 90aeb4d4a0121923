package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type Principal struct {
	APIKey string
}

// OwnerID is the stable identity conversations are scoped by. Keys are
// per-learner, so a fingerprint of the key doubles as the owner column value
// without persisting the key itself.
func (p *Principal) OwnerID() string {
	if p == nil || p.APIKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(p.APIKey))
	return "owner_" + hex.EncodeToString(sum[:8])
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

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

// ParseToken accepts the bearer header or, for websocket handshakes where
// browsers cannot set Authorization, an access_token query parameter.
func ParseToken(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		return "", false
	}
	return token, true
}
