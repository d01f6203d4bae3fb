package handlers

import (
	"net/http"
	"time"

	"github.com/veridian-network/veridian/internal/server/httputil"
	"github.com/veridian-network/veridian/internal/service/appeal"
	"go.uber.org/zap"
)

// AppealOpsHandler handles appeal workflow actions via the "action" field:
// file_appeal, assign_jury, cast_vote, resolve_case, admin_resolve,
// get_appeal, list_appeals, list_open_cases.
func AppealOpsHandler(log *zap.Logger, svc *appeal.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, action, ok := decodeOpsRequest(w, r, log)
		if !ok {
			return
		}
		ctx := r.Context()
		start := time.Now()

		switch action {
		case "file_appeal":
			postID, ok := requiredString(w, log, req, "post_id")
			if !ok {
				return
			}
			disputeReason, ok := requiredString(w, log, req, "dispute_reason")
			if !ok {
				return
			}
			filed, err := svc.FileAppeal(ctx, postID, callerID(r), disputeReason)
			observe("appeal_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, filed)
		case "assign_jury":
			appealID, ok := requiredString(w, log, req, "appeal_id")
			if !ok {
				return
			}
			c, err := svc.AssignJury(ctx, appealID, callerID(r))
			observe("appeal_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, c)
		case "cast_vote":
			caseID, ok := requiredString(w, log, req, "case_id")
			if !ok {
				return
			}
			decision, ok := requiredString(w, log, req, "decision")
			if !ok {
				return
			}
			reasoning, ok := requiredString(w, log, req, "reasoning")
			if !ok {
				return
			}
			c, err := svc.CastVote(ctx, caseID, callerID(r), decision, reasoning)
			observe("appeal_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, c)
		case "resolve_case":
			caseID, ok := requiredString(w, log, req, "case_id")
			if !ok {
				return
			}
			c, err := svc.ResolveCase(ctx, caseID)
			observe("appeal_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, c)
		case "admin_resolve":
			appealID, ok := requiredString(w, log, req, "appeal_id")
			if !ok {
				return
			}
			decision, ok := requiredString(w, log, req, "decision")
			if !ok {
				return
			}
			adminResponse, ok := requiredString(w, log, req, "admin_response")
			if !ok {
				return
			}
			resolved, err := svc.AdminResolve(ctx, appealID, callerID(r), decision, adminResponse)
			observe("appeal_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, resolved)
		case "get_appeal":
			appealID, ok := requiredString(w, log, req, "appeal_id")
			if !ok {
				return
			}
			a, err := svc.GetAppeal(ctx, appealID)
			observe("appeal_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, a)
		case "list_appeals":
			// Absent user_id lists every appeal, which the service gates to
			// staff; other callers list their own by passing their id.
			userID := optionalString(req, "user_id")
			appeals, err := svc.ListAppeals(ctx, callerID(r), userID)
			observe("appeal_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"appeals": appeals})
		case "list_open_cases":
			cases, err := svc.ListOpenCases(ctx)
			observe("appeal_ops", action, start, err)
			if err != nil {
				httputil.WriteServiceError(w, log, err)
				return
			}
			httputil.WriteJSONResponse(w, log, map[string]interface{}{"cases": cases})
		default:
			httputil.WriteJSONError(w, log, http.StatusBadRequest, "unknown action", nil, zap.String("action", action))
		}
	}
}
