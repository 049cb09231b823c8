package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken returns the bearer credential from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// Authorized reports whether r carries the shared secret. Both values are
// hashed first so the comparison time does not depend on their lengths.
func (h *Handler) Authorized(r *http.Request) bool {
	token := ExtractToken(r)
	if token == "" || h.Secret == "" {
		return false
	}
	got := sha256.Sum256([]byte(token))
	want := sha256.Sum256([]byte(h.Secret))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// RequireAuth rejects requests without the shared secret before next runs.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Authorized(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="proxyforge"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "a valid bearer credential is required")
			return
		}
		next(w, r)
	})
}
