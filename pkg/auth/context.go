package auth

import (
	"context"
	"time"
)

// Context carries the identity claims extracted from the session token.
// Role claims are hints for routing only: every mutating service operation
// re-reads the caller's role from the store before acting on it.
type Context struct {
	UserID    string
	Roles     []string
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RawClaims map[string]interface{}
}

// IsGuest reports whether the request carries no authenticated identity.
func IsGuest(auth *Context) bool {
	return auth == nil || auth.UserID == ""
}

type contextKey struct{}

// NewContext returns a new context with the given auth Context.
func NewContext(ctx context.Context, authCtx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, authCtx)
}

// FromContext returns the auth Context stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	if authCtx, ok := ctx.Value(contextKey{}).(*Context); ok {
		return authCtx
	}
	return nil
}
