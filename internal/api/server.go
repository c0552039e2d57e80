package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

func NewAPI(cfg Config) *API {
	return &API{
		hub:           cfg.Hub,
		store:         cfg.Store,
		ownerPubKey:   cfg.OwnerPubKey,
		jwtKey:        cfg.JWTKey,
		allowedOrigin: cfg.AllowedOrigin,
		metrics:       cfg.Metrics,
	}
}

// Router wires every route. Command submission is public since envelopes
// carry their own authentication; ledger views and settlement need an owner token.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware, LoggingMiddleware, ErrorMiddleware, a.CORSMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/command", a.HandleCommand)
		r.Get("/challenge", a.HandleChallengeRequest)
		r.Post("/verify", a.VerifyChallenge)

		r.Group(func(r chi.Router) {
			r.Use(a.JWTMiddleware)
			r.Get("/state", a.HandleState)
			r.Get("/audit", a.HandleAudit)
			r.Post("/settlement", a.HandleSettlement)
		})
	})
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}
	return r
}

// ListenAndServe serves on port until ctx is cancelled.
func (a *API) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
