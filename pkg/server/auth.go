package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/solcurb/solcurb/pkg/log"
)

// requireCycleAuth gates the cycle trigger behind an OIDC ID token when a
// verifier was configured. Without one the endpoint is open; that mode is
// for deployments that never expose the listener.
func (s *Server) requireCycleAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifyCycleToken == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		email, err := s.verifyCycleToken(ctx, parts[1])
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(email), []byte(s.cycleEmail)) != 1 {
			log.Ctx(ctx).WarnContext(ctx, "unauthorized email for cycle trigger", slog.String("email", email))
			writeJSONError(w, "unauthorized email", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
