package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const tokenKey = "token"

// tokenFromRequest reads the handshake token from the query string, the
// Authorization header or the token cookie, in that order.
func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get(tokenKey); t != "" {
		return t
	}

	if t, ok := bearerToken(r); ok {
		return t
	}

	if c, err := r.Cookie(tokenKey); err == nil {
		return c.Value
	}

	return ""
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}

// internalAuth admits backend producers holding the internal API key.
func (s *GatewayApp) internalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.internalKey)) != 1 {
			s.log.Printf("rejected internal request from %s", r.RemoteAddr)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r)
	}
}
