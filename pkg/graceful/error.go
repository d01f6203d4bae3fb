package graceful

import (
	"context"
	"errors"
	"fmt"

	"github.com/veridian-network/veridian/pkg/logger"
	"github.com/veridian-network/veridian/pkg/utils"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ContextError wraps an error with context, gRPC code, and structured fields.
type ContextError struct {
	Code    codes.Code
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *ContextError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ContextError) Unwrap() error {
	return e.Cause
}

// GRPCStatus returns a gRPC status error for this error context.
func (e *ContextError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

// WrapErr creates a ContextError with context fields, code, message, and cause.
func WrapErr(ctx context.Context, code codes.Code, msg string, cause error) *ContextError {
	return &ContextError{
		Code:    code,
		Message: msg,
		Cause:   cause,
		Context: utils.GetContextFields(ctx),
	}
}

// WrapErrWithDetails creates a ContextError with extra structured detail fields,
// used for responses that must report state back to the caller (quorum counts).
func WrapErrWithDetails(ctx context.Context, code codes.Code, msg string, cause error, details map[string]interface{}) *ContextError {
	fields := utils.GetContextFields(ctx)
	for k, v := range details {
		fields[k] = v
	}
	return &ContextError{
		Code:    code,
		Message: msg,
		Cause:   cause,
		Context: fields,
	}
}

// LogAndWrap logs the error with context and returns a ContextError.
func LogAndWrap(ctx context.Context, log *zap.Logger, code codes.Code, msg string, cause error, fields ...zap.Field) *ContextError {
	ctxFields := utils.GetContextFields(ctx)
	zapFields := make([]zap.Field, 0, len(ctxFields)+len(fields)+1)
	for k, v := range ctxFields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	zapFields = append(zapFields, fields...)
	if cause != nil {
		zapFields = append(zapFields, zap.Error(cause))
	}
	if log != nil {
		logger.FromContext(ctx, log).Error(msg, zapFields...)
	}
	return WrapErr(ctx, code, msg, cause)
}

// AsContextError unwraps err to a ContextError when possible, else wraps it
// as an internal error so unexpected store failures never leak detail.
func AsContextError(err error) *ContextError {
	if err == nil {
		return nil
	}
	var ce *ContextError
	if errors.As(err, &ce) {
		return ce
	}
	return &ContextError{
		Code:    codes.Internal,
		Message: "internal error",
		Cause:   err,
	}
}

// Code returns the gRPC code carried by err, or codes.Internal for plain errors.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ce *ContextError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return codes.Internal
}
