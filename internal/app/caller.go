package app

import (
	"context"
	"strings"
)

// Caller carries the authenticated identity a request acts as.
type Caller struct {
	UserID string
	Source string
}

// WithCaller attaches a normalized caller identity to context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	caller = normalizeCaller(caller)
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller identity when present.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	raw := ctx.Value(callerContextKey{})
	caller, ok := raw.(Caller)
	if !ok {
		return Caller{}, false
	}
	caller = normalizeCaller(caller)
	if caller.UserID == "" {
		return Caller{}, false
	}
	return caller, true
}

// callerContextKey stores context keys for caller identity values.
type callerContextKey struct{}

// requireCaller resolves the acting user id, preferring an explicit id.
func requireCaller(ctx context.Context, explicit string) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	caller, ok := CallerFromContext(ctx)
	if !ok {
		return "", ErrNoCaller
	}
	return caller.UserID, nil
}

// normalizeCaller trims identity fields.
func normalizeCaller(caller Caller) Caller {
	caller.UserID = strings.TrimSpace(caller.UserID)
	caller.Source = strings.TrimSpace(strings.ToLower(caller.Source))
	if caller.Source == "" {
		caller.Source = "header"
	}
	return caller
}
