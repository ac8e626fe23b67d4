package api

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// AdminTokenHeader carries the admin token when no Authorization header is set.
const AdminTokenHeader = "X-Atlas-Token"

// AdminAuth guards routes that change the loaded model.
// An empty token disables the check.
type AdminAuth struct {
	token []byte
}

// NewAdminAuth creates the guard for token.
func NewAdminAuth(token string) *AdminAuth {
	if token == "" {
		return &AdminAuth{}
	}
	return &AdminAuth{token: []byte(token)}
}

// Enabled reports whether requests must present a token.
func (a *AdminAuth) Enabled() bool { return a != nil && len(a.token) > 0 }

// Valid reports whether r presents the admin token.
func (a *AdminAuth) Valid(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	got := r.Header.Get(AdminTokenHeader)
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), a.token) == 1
}

// Middleware rejects requests without a valid token with 401.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Valid(r) {
			log.Printf("⚠️ Admin request rejected from %s: %s %s", GetClientIP(r), r.Method, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":   "unauthorized",
				"message": "Admin token required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
