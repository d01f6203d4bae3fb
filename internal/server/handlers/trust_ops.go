package handlers

import (
	"net/http"
	"time"

	"github.com/veridian-network/veridian/internal/server/httputil"
	"github.com/veridian-network/veridian/internal/service/trust"
	"go.uber.org/zap"
)

// TrustOpsHandler handles trust profile actions via the "action" field:
// get_profile, compute, enqueue_recalc, drain, delete_profile, queue_size.
func TrustOpsHandler(log *zap.Logger, engine *trust.Engine, queue *trust.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, action, ok := decodeOpsRequest(w, r, log)
		if !ok {
			return
		}
		ctx := r.Context()
		start := time.Now()

		switch action {
		case "get_profile":
			contentID, ok := requiredString(w, log, req, "content_id")
			if !ok {
				return
			}
			p, err := engine.GetProfile(ctx, contentID)
			observe("trust_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{
				"profile":   p,
				"aggregate": trust.Aggregate(p),
			})
		case "compute":
			contentID, ok := requiredString(w, log, req, "content_id")
			if !ok {
				return
			}
			p, err := engine.Compute(ctx, callerID(r), contentID)
			observe("trust_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{
				"profile":   p,
				"aggregate": trust.Aggregate(p),
			})
		case "enqueue_recalc":
			contentID, ok := requiredString(w, log, req, "content_id")
			if !ok {
				return
			}
			reason := optionalString(req, "reason")
			err := queue.Enqueue(ctx, callerID(r), contentID, reason)
			observe("trust_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"enqueued": true})
		case "drain":
			limit := 0
			if v, ok := req["limit"].(float64); ok {
				limit = int(v)
			}
			result, err := queue.Drain(ctx, callerID(r), limit)
			observe("trust_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, result)
		case "delete_profile":
			contentID, ok := requiredString(w, log, req, "content_id")
			if !ok {
				return
			}
			err := engine.DeleteProfile(ctx, callerID(r), contentID)
			observe("trust_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"deleted": true})
		case "queue_size":
			n, err := queue.PendingCount(ctx)
			observe("trust_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"pending": n})
		default:
			httputil.WriteJSONError(w, log, http.StatusBadRequest, "unknown action", nil, zap.String("action", action))
		}
	}
}
