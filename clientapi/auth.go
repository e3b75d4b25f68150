package clientapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"

	"maunium.net/go/mautrix"
)

// HashSecret prepares a shared secret for SecretAuth. An empty secret disables the guarded endpoints.
func HashSecret(secret string) *[32]byte {
	if secret == "" {
		return nil
	}
	hash := sha256.Sum256([]byte(secret))
	return &hash
}

func disabledAPI(w http.ResponseWriter, r *http.Request) {
	mautrix.MUnknownToken.WithMessage("This API is disabled").Write(w)
}

// SecretAuth requires requests to carry the secret as a bearer token.
func SecretAuth(secret *[32]byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == nil {
			return http.HandlerFunc(disabledAPI)
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHash := sha256.Sum256([]byte(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")))
			if !hmac.Equal(authHash[:], secret[:]) {
				mautrix.MUnknownToken.WithMessage("Invalid authorization token").Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
