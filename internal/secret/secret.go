// Package secret implements the per-session shared secret that authenticates
// every request on a loopback control port.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// HeaderName carries the secret on every control request.
const HeaderName = "X-Secret-Key"

// Size is the number of random bytes in a secret (256 bits).
const Size = 32

// Generate returns a new hex-encoded random secret.
func Generate() (string, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Authorize reports whether requestSecret matches sessionSecret. The
// comparison is constant-time; empty values never match.
func Authorize(requestSecret, sessionSecret string) error {
	if requestSecret == "" || sessionSecret == "" {
		return v1alpha1.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(requestSecret), []byte(sessionSecret)) != 1 {
		return v1alpha1.ErrUnauthorized
	}
	return nil
}

// Middleware rejects requests that do not carry sessionSecret in HeaderName.
func Middleware(sessionSecret string, logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Authorize(r.Header.Get(HeaderName), sessionSecret); err != nil {
				logger.Warn("rejected unauthorized request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(v1alpha1.ErrorResponse{
					Error: err.Error(),
					Code:  v1alpha1.CodeUnauthorized,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
