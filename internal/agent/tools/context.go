package tools

import (
	"context"
	"errors"
)

// CallContext identifies who a tool call is running for
type CallContext struct {
	UserID    string
	Channel   string
	SessionID string
}

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const callContextKey contextKey = iota

// errNoUser is returned by tools that need a user but run without one
var errNoUser = errors.New("no user in call context")

// WithCallContext returns a new context carrying cc
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey, cc)
}

// CallContextFrom extracts the call context, if any
func CallContextFrom(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey).(CallContext)
	return cc, ok
}

// userFrom returns the call context and fails when no user is set
func userFrom(ctx context.Context) (CallContext, error) {
	cc, ok := CallContextFrom(ctx)
	if !ok || cc.UserID == "" {
		return CallContext{}, errNoUser
	}
	return cc, nil
}
