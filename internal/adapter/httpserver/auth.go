package httpserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

// AdminGuard protects operator endpoints with HTTP Basic Auth. Credentials
// are compared as SHA-256 digests so the comparison stays constant time
// regardless of input length.
func AdminGuard(username, password string) func(http.Handler) http.Handler {
	wantUser := sha256.Sum256([]byte(username))
	wantPass := sha256.Sum256([]byte(password))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)
				return
			}
			gotUser := sha256.Sum256([]byte(user))
			gotPass := sha256.Sum256([]byte(pass))
			if subtle.ConstantTimeCompare(gotUser[:], wantUser[:]) != 1 ||
				subtle.ConstantTimeCompare(gotPass[:], wantPass[:]) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="orchestrator", charset="UTF-8"`)
	writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
		Code:    "UNAUTHORIZED",
		Message: "authentication required",
	}})
}
