package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/mattjoyce/crmq/internal/auth"
)

// SignatureHeader carries the submission hook's HMAC-SHA256 signature.
const SignatureHeader = "X-Signature-256"

var errSignature = errors.New("signature verification failed")

// authMiddleware resolves the bearer token to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// require rejects principals without want access on res.
func (s *Server) require(res auth.Resource, want auth.Access) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !principal.Can(res, want) {
				s.logger.Warn("scope denied", "principal", principal.Name, "resource", res, "path", r.URL.Path)
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalName(r *http.Request) string {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.Name
}

// verifySignature checks a "sha256=<hex>" or plain hex HMAC-SHA256 of body.
// Every failure returns the same error.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errSignature
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return errSignature
	}
	return nil
}

// Sign returns the SignatureHeader value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
