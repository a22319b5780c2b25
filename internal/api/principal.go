package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/scribeforge/scribeforge/internal/auth"
	"github.com/scribeforge/scribeforge/internal/ids"
)

type ctxKey int

const principalCtxKey ctxKey = 0

// principalMiddleware resolves an auth.Principal from the X-User-Id and
// optional X-Api-Key headers and stores it in the request context.
// Token issuance/validation is an explicit non-goal (spec §1) — whatever
// sits upstream of this service (gateway, reverse proxy) is assumed to have
// already authenticated the caller and attached these headers.
func (s *Server) principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userIDHeader := r.Header.Get("X-User-Id")
		if userIDHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-Id header")
			return
		}
		userID, err := ids.ParseUserID(userIDHeader)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "malformed X-User-Id header")
			return
		}
		user, ok := s.Core.Store.GetUser(r.Context(), userID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}

		p := auth.Principal{User: *user}
		if rawKey := r.Header.Get("X-Api-Key"); rawKey != "" {
			sum := sha256.Sum256([]byte(rawKey))
			key, ok := s.Core.Store.FindApiKeyByHash(r.Context(), hex.EncodeToString(sum[:]))
			if !ok {
				writeError(w, http.StatusUnauthorized, "unknown api key")
				return
			}
			if key.Owner != userID {
				writeError(w, http.StatusUnauthorized, "api key does not belong to X-User-Id")
				return
			}
			p.ApiKey = key
		}

		ctx := context.WithValue(r.Context(), principalCtxKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalCtxKey).(auth.Principal)
	return p
}
