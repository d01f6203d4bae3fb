package handlers

import (
	"net/http"
	"time"

	"github.com/veridian-network/veridian/internal/server/httputil"
	"github.com/veridian-network/veridian/internal/service/invite"
	"go.uber.org/zap"
)

// InviteOpsHandler handles invite graph actions via the "action" field:
// record_invite, recompute_diversity, tree, warnings, clear_block, status,
// lineage.
func InviteOpsHandler(log *zap.Logger, svc *invite.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, action, ok := decodeOpsRequest(w, r, log)
		if !ok {
			return
		}
		ctx := r.Context()
		start := time.Now()

		switch action {
		case "record_invite":
			// inviter_id is absent for generation-zero roots.
			inviterID := optionalString(req, "inviter_id")
			userID, ok := requiredString(w, log, req, "user_id")
			if !ok {
				return
			}
			role, ok := requiredString(w, log, req, "invited_role")
			if !ok {
				return
			}
			joinMethod := optionalString(req, "join_method")
			if joinMethod == "" {
				joinMethod = "invite"
			}
			seedingHeld := optionalBool(req, "seeding_conversation_held")
			edge, err := svc.RecordInvite(ctx, inviterID, userID, role, joinMethod, seedingHeld)
			observe("invite_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, edge)
		case "recompute_diversity":
			inviterID, ok := requiredString(w, log, req, "inviter_id")
			if !ok {
				return
			}
			metric, err := svc.RecomputeDiversity(ctx, inviterID)
			observe("invite_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, metric)
		case "tree":
			gens, err := svc.Tree(ctx)
			observe("invite_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"generations": gens})
		case "warnings":
			warned, err := svc.Warnings(ctx)
			observe("invite_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"metrics": warned})
		case "clear_block":
			inviterID, ok := requiredString(w, log, req, "inviter_id")
			if !ok {
				return
			}
			err := svc.ClearBlock(ctx, callerID(r), inviterID)
			observe("invite_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"cleared": true})
		case "status":
			userID, ok := requiredString(w, log, req, "user_id")
			if !ok {
				return
			}
			edge, metric, err := svc.Status(ctx, userID)
			observe("invite_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"edge": edge, "metric": metric})
		case "lineage":
			userID, ok := requiredString(w, log, req, "user_id")
			if !ok {
				return
			}
			depth := 3
			if v, ok := req["depth"].(float64); ok && v > 0 {
				depth = int(v)
			}
			ancestors, err := svc.Lineage(ctx, userID, depth)
			observe("invite_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"ancestors": ancestors})
		default:
			httputil.WriteJSONError(w, log, http.StatusBadRequest, "unknown action", nil, zap.String("action", action))
		}
	}
}
