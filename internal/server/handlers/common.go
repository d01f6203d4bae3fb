package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/veridian-network/veridian/internal/server/httputil"
	"github.com/veridian-network/veridian/pkg/auth"
	"github.com/veridian-network/veridian/pkg/metrics"
	"go.uber.org/zap"
)

// decodeOpsRequest enforces the POST-JSON-with-action shape shared by all
// ops handlers. It returns false after writing the error response.
func decodeOpsRequest(w http.ResponseWriter, r *http.Request, log *zap.Logger) (map[string]interface{}, string, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, "", false
	}
	var req map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, log, http.StatusBadRequest, "invalid JSON", err)
		return nil, "", false
	}
	action, ok := req["action"].(string)
	if !ok || action == "" {
		httputil.WriteJSONError(w, log, http.StatusBadRequest, "missing or invalid action", nil, zap.Any("value", req["action"]))
		return nil, "", false
	}
	return req, action, true
}

// requiredString pulls a required string field, writing a 400 on absence.
func requiredString(w http.ResponseWriter, log *zap.Logger, req map[string]interface{}, key string) (string, bool) {
	v, ok := req[key].(string)
	if !ok || v == "" {
		httputil.WriteJSONError(w, log, http.StatusBadRequest, "missing or invalid "+key, nil, zap.Any("value", req[key]))
		return "", false
	}
	return v, true
}

// optionalString pulls an optional string field.
func optionalString(req map[string]interface{}, key string) string {
	v, _ := req[key].(string)
	return v
}

// optionalBool pulls an optional bool field.
func optionalBool(req map[string]interface{}, key string) bool {
	v, _ := req[key].(bool)
	return v
}

// callerID reads the authenticated user from the request context. Guests
// get an empty id; services decide whether that is acceptable.
func callerID(r *http.Request) string {
	authCtx := auth.FromContext(r.Context())
	if auth.IsGuest(authCtx) {
		return ""
	}
	return authCtx.UserID
}

// observe records the per-action request metric.
func observe(handler, action string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OpRequests.WithLabelValues(handler, action, status).Inc()
	metrics.OpLatency.WithLabelValues(handler, action).Observe(time.Since(start).Seconds())
}
