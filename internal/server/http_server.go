// Package server wires the governance services into the HTTP boundary.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/veridian-network/veridian/internal/server/handlers"
	"github.com/veridian-network/veridian/internal/service/appeal"
	"github.com/veridian-network/veridian/internal/service/invite"
	"github.com/veridian-network/veridian/internal/service/promotion"
	"github.com/veridian-network/veridian/internal/service/trust"
	"github.com/veridian-network/veridian/pkg/auth"
	"github.com/veridian-network/veridian/pkg/utils"
	"go.uber.org/zap"
)

// Services bundles everything the HTTP boundary exposes.
type Services struct {
	Trust     *trust.Engine
	Queue     *trust.Queue
	Invite    *invite.Service
	Promotion *promotion.Service
	Appeal    *appeal.Service
}

// NewHandler builds the full route table behind the JWT middleware.
func NewHandler(log *zap.Logger, jwtSecret string, svcs Services) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/trust_ops", handlers.TrustOpsHandler(log, svcs.Trust, svcs.Queue))
	mux.HandleFunc("/api/invite_ops", handlers.InviteOpsHandler(log, svcs.Invite))
	mux.HandleFunc("/api/promotion_ops", handlers.PromotionOpsHandler(log, svcs.Promotion))
	mux.HandleFunc("/api/appeal_ops", handlers.AppealOpsHandler(log, svcs.Appeal))
	mux.HandleFunc("/api/governance/summary", handlers.SummaryHandler(log, svcs.Invite, svcs.Promotion, svcs.Queue))
	mux.HandleFunc("/healthz", handlers.HealthHandler)
	return requestID(auth.JWTMiddleware(jwtSecret, mux))
}

// requestID tags every request with a correlation id, honoring one supplied
// by the caller, and echoes it back so clients can quote it in reports.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(utils.WithRequestID(r.Context(), id)))
	})
}

// StartHTTPServer starts the boundary server in a goroutine and returns it
// for shutdown.
func StartHTTPServer(log *zap.Logger, addr, jwtSecret string, svcs Services) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(log, jwtSecret, svcs),
		ReadHeaderTimeout: 10 * time.Second, // Mitigate Slowloris
	}
	go func() {
		log.Info("Starting HTTP server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return server
}

// Shutdown drains the boundary server.
func Shutdown(ctx context.Context, log *zap.Logger, server *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
}
