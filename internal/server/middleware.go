package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/playperu/cityjourney/internal/identity"
)

type ctxKey int

const (
	ctxKeyUser ctxKey = iota
	ctxKeyToken
	ctxKeyPlay
)

// bearerToken reads the Authorization header, falling back to the token
// query parameter for EventSource and WebSocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func authMiddleware(ids *identity.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			user, err := ids.Authenticate(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUser, user)
			ctx = context.WithValue(ctx, ctxKeyToken, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// playMiddleware resolves {journeyID} to the caller's live play.
func playMiddleware(plays *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userFrom(r)
			p, ok := plays.Get(user.ID, chi.URLParam(r, "journeyID"))
			if !ok {
				writeError(w, http.StatusNotFound, errNoPlay.Error())
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyPlay, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userFrom(r *http.Request) identity.User {
	return r.Context().Value(ctxKeyUser).(identity.User)
}

func tokenFrom(r *http.Request) string {
	return r.Context().Value(ctxKeyToken).(string)
}

func playFrom(r *http.Request) *Play {
	return r.Context().Value(ctxKeyPlay).(*Play)
}
