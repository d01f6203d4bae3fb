package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veridian-network/veridian/pkg/graceful"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

func TestGRPCStatusToHTTPStatus(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.NotFound, http.StatusNotFound},
		{codes.AlreadyExists, http.StatusConflict},
		{codes.FailedPrecondition, http.StatusConflict},
		{codes.PermissionDenied, http.StatusForbidden},
		{codes.Unauthenticated, http.StatusUnauthorized},
		{codes.Unavailable, http.StatusServiceUnavailable},
		{codes.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GRPCStatusToHTTPStatus(tt.code), tt.code.String())
	}
}

func TestWriteServiceErrorWithContext(t *testing.T) {
	rec := httptest.NewRecorder()
	err := graceful.WrapErrWithDetails(context.Background(), codes.FailedPrecondition, "insufficient endorsements", nil,
		map[string]interface{}{"current_moderators": 1})
	WriteServiceError(rec, zap.NewNop(), err)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient endorsements", body["error"])
	ctx, ok := body["context"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, ctx["current_moderators"])
}

func TestWriteServiceErrorOpaqueInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteServiceError(rec, zap.NewNop(), errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body["error"], "plain store errors never leak detail")
}
