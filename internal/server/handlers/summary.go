package handlers

import (
	"net/http"

	"github.com/veridian-network/veridian/internal/server/httputil"
	"github.com/veridian-network/veridian/internal/service/invite"
	"github.com/veridian-network/veridian/internal/service/promotion"
	"github.com/veridian-network/veridian/internal/service/trust"
	"go.uber.org/zap"
)

// SummaryHandler serves the operational governance summary: invite tree
// size, blocked inviters, pending promotions and recalc queue depth.
func SummaryHandler(log *zap.Logger, inviteSvc *invite.Service, promotionSvc *promotion.Service, queue *trust.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ctx := r.Context()

		edges, blocked, err := inviteSvc.Stats(ctx)
		if err != nil {
			httputil.WriteServiceError(w, log, err)
			return
		}
		pendingPromotions, err := promotionSvc.CountPending(ctx)
		if err != nil {
			httputil.WriteServiceError(w, log, err)
			return
		}
		queueSize, err := queue.PendingCount(ctx)
		if err != nil {
			httputil.WriteServiceError(w, log, err)
			return
		}

		httputil.WriteJSONResponse(w, log, map[string]interface{}{
			"invite_tree_size":   edges,
			"blocked_inviters":   blocked,
			"pending_promotions": pendingPromotions,
			"recalc_queue_size":  queueSize,
		})
	}
}

// HealthHandler answers liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
