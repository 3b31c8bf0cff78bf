// Package identity carries the resolved caller identity on the request
// context. Authentication itself happens outside this service; transports
// resolve whatever credential they see into an Identity before calling in.
package identity

import "context"

// Identity is the resolved caller of an operation.
type Identity struct {
	// UserID is the stable user identifier. Required for all non-admin calls.
	UserID string
	// ClientID scopes MEMORY-channel epochs per agent client. Optional.
	ClientID string
	// BearerToken is forwarded on outbound calls (e.g. to a remote response
	// recorder). Optional.
	BearerToken string
	// Admin marks callers allowed to use the admin surface.
	Admin bool
}

type contextKey struct{}

// WithContext returns a new context carrying the given Identity.
func WithContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext retrieves the Identity from the context. The zero Identity is
// returned when none was set.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	return id
}
