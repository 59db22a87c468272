package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/vmlab/lmunit/internal/model"
)

type contextKey string

const userKey contextKey = "user"

// identity reads the caller from the Authorization header. The token is the
// username; upstream gateways have already authenticated it.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		token = strings.TrimPrefix(token, "Token ")
		if s.cfg.Personalised && token == "" {
			writeException(w, http.StatusUnauthorized, "authorization required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, token)))
	})
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey).(string)
	return u
}

func (s *Server) isAdmin(user string) bool {
	for _, a := range s.cfg.Admins {
		if a == user {
			return true
		}
	}
	return false
}

// mayTouch reports whether the caller may mutate or inspect a machine. With
// personalisation off everyone may; otherwise the owner and the admins may.
func (s *Server) mayTouch(user string, m *model.Machine) bool {
	if !s.cfg.Personalised {
		return true
	}
	return s.isAdmin(user) || (m.Owner != "" && m.Owner == user)
}
