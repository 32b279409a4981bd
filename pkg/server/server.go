// Package server is the admin HTTP surface: a health check, a status window
// into the cycle engine, and an authenticated endpoint for external
// schedulers to trigger cycles. It is not a control plane; the decision loop
// runs without it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/scheduler"
	"github.com/solcurb/solcurb/pkg/types"
)

// Engine is the part of the cycle engine the server drives.
type Engine interface {
	TryCycle(ctx context.Context, kind string, force bool) (types.Event, error)
	Status() scheduler.Status
}

// PriceCache is the part of the repository the status endpoint reads.
type PriceCache interface {
	LatestCachedDate(ctx context.Context) (string, error)
}

// tokenVerifier validates a raw ID token and returns the email claim.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Server handles the admin HTTP API.
type Server struct {
	engine Engine
	prices PriceCache

	listenAddr string
	httpServer *http.Server
	serverName string

	// cycleEmail plus verifyCycleToken gate POST /api/cycle. A nil verifier
	// means no auth was configured (local deployments).
	cycleEmail       string
	verifyCycleToken tokenVerifier
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(e Engine, p PriceCache) *Server {
	srv := &Server{
		engine:     e,
		prices:     p,
		serverName: "solcurb",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	cycleAudience := lflag.String("cycle-audience", "", "OIDC audience to validate for /api/cycle; empty disables auth")
	cycleEmail := lflag.String("cycle-email", "", "email that must appear in the /api/cycle ID token")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.cycleEmail = *cycleEmail

		if *cycleAudience != "" {
			if srv.cycleEmail == "" {
				log.Ctx(context.Background()).Error("cycle-email is required when cycle-audience is set")
				os.Exit(1)
			}
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			verifier := provider.Verifier(&oidc.Config{ClientID: *cycleAudience})
			srv.verifyCycleToken = func(ctx context.Context, raw string) (string, error) {
				token, err := verifier.Verify(ctx, raw)
				if err != nil {
					return "", err
				}
				var claims struct {
					Email string `json:"email"`
				}
				if err := token.Claims(&claims); err != nil {
					return "", fmt.Errorf("failed to parse token claims: %w", err)
				}
				return claims.Email, nil
			}
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.Handle("POST /api/cycle", s.requireCycleAuth(http.HandlerFunc(s.handleCycle)))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Strict-Transport-Security: max-age=2 years
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		// Prevent MIME-sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}
