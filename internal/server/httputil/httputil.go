package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/veridian-network/veridian/pkg/graceful"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// WriteJSONError writes a JSON error response and logs the error.
func WriteJSONError(w http.ResponseWriter, log *zap.Logger, status int, msg string, err error, contextFields ...zap.Field) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err != nil {
		log.Error(msg, append(contextFields, zap.Error(err))...)
	} else {
		log.Error(msg, contextFields...)
	}
	details := ""
	if err != nil {
		details = err.Error()
	}
	if encodeErr := json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   msg,
		"details": details,
	}); encodeErr != nil {
		log.Error("Failed to write error response", zap.Error(encodeErr))
	}
}

// WriteJSONResponse writes a JSON response and logs on error.
func WriteJSONResponse(w http.ResponseWriter, log *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to write JSON response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// WriteServiceError maps a service error to an HTTP response. Errors that
// carry a code surface their own message and context; anything else is an
// opaque internal error.
func WriteServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	ce := graceful.AsContextError(err)
	if ce == nil {
		WriteJSONError(w, log, http.StatusInternalServerError, "internal server error", err)
		return
	}
	status := GRPCStatusToHTTPStatus(ce.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{"error": ce.Message}
	if len(ce.Context) > 0 {
		body["context"] = ce.Context
	}
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		log.Error("Failed to write error response", zap.Error(encodeErr))
	}
}

// GRPCStatusToHTTPStatus converts a gRPC status code to an appropriate HTTP status code.
func GRPCStatusToHTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.Canceled:
		return 499 // Client Closed Request
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.Aborted:
		return http.StatusConflict
	case codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.Unknown, codes.Internal, codes.DataLoss:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
