package handlers

import (
	"net/http"
	"time"

	"github.com/veridian-network/veridian/internal/server/httputil"
	"github.com/veridian-network/veridian/internal/service/promotion"
	"go.uber.org/zap"
)

// PromotionOpsHandler handles promotion workflow actions via the "action"
// field: create_request, endorse, resolve, get_request, list_pending,
// cluster_risk.
func PromotionOpsHandler(log *zap.Logger, svc *promotion.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, action, ok := decodeOpsRequest(w, r, log)
		if !ok {
			return
		}
		ctx := r.Context()
		start := time.Now()

		switch action {
		case "create_request":
			targetRole, ok := requiredString(w, log, req, "target_role")
			if !ok {
				return
			}
			created, err := svc.CreateRequest(ctx, callerID(r), targetRole)
			observe("promotion_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, created)
		case "endorse":
			requestID, ok := requiredString(w, log, req, "request_id")
			if !ok {
				return
			}
			justification, ok := requiredString(w, log, req, "justification")
			if !ok {
				return
			}
			result, err := svc.Endorse(ctx, requestID, callerID(r), justification)
			observe("promotion_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, result)
		case "resolve":
			requestID, ok := requiredString(w, log, req, "request_id")
			if !ok {
				return
			}
			decision, ok := requiredString(w, log, req, "decision")
			if !ok {
				return
			}
			resolved, err := svc.Resolve(ctx, requestID, callerID(r), decision)
			observe("promotion_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, resolved)
		case "get_request":
			requestID, ok := requiredString(w, log, req, "request_id")
			if !ok {
				return
			}
			request, endorsements, err := svc.GetRequest(ctx, requestID)
			observe("promotion_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{
				"request":      request,
				"endorsements": endorsements,
			})
		case "list_pending":
			pending, err := svc.ListPending(ctx)
			observe("promotion_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"requests": pending})
		case "cluster_risk":
			requestID, ok := requiredString(w, log, req, "request_id")
			if !ok {
				return
			}
			risk, err := svc.DetectEndorsementCluster(ctx, requestID)
			observe("promotion_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, risk)
		default:
			httputil.WriteJSONError(w, log, http.StatusBadRequest, "unknown action", nil, zap.String("action", action))
		}
	}
}
