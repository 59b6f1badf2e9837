package api

import (
    "context"
    "net/http"
    "strings"

    "github.com/n1ur0/off-the-grid/internal/auth"
)

type ctxKeyPrincipal struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
    return context.WithValue(ctx, ctxKeyPrincipal{}, p)
}

// principalFrom returns the caller set by authenticate.
func principalFrom(ctx context.Context) auth.Principal {
    p, _ := ctx.Value(ctxKeyPrincipal{}).(auth.Principal)
    return p
}

// bearerToken reads the Authorization header, or the token query parameter for
// websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
    authz := r.Header.Get("Authorization")
    if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
        return strings.TrimSpace(authz[7:])
    }
    if websocketRequest(r) {
        return r.URL.Query().Get("token")
    }
    return ""
}

func websocketRequest(r *http.Request) bool {
    return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// getPrincipal resolves the caller. In dev mode X-User-Id and X-Role headers are
// accepted when no bearer token is sent.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
    if tok := bearerToken(r); tok != "" {
        return s.Auth.Verify(r.Context(), tok)
    }
    if s.Auth.Dev() {
        if owner := strings.TrimSpace(r.Header.Get("X-User-Id")); owner != "" {
            role := strings.ToLower(r.Header.Get("X-Role"))
            if role == "" { role = auth.RoleUser }
            return auth.Principal{OwnerID: owner, Role: role}, nil
        }
    }
    return auth.Principal{}, auth.ErrInvalidToken
}

func (s *Server) authenticate(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        p, err := s.getPrincipal(r)
        if err != nil {
            w.Header().Set("WWW-Authenticate", `Bearer realm="webhooks"`)
            writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
            return
        }
        next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
    })
}
