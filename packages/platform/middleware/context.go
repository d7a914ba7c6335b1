// Package middleware carries the authenticated-caller context (set by the
// ingress gateway) through HTTP-facing fabric apps, and fixes the
// null-vs-empty-array JSON quirk Echo handlers otherwise leak to clients.
package middleware

import "context"

type contextKey string

const (
	// UserIDKey is the context key for the authenticated caller's UUID.
	UserIDKey contextKey = "user_id"
	// OrgIDKey is the context key for the tenant/organization UUID.
	OrgIDKey contextKey = "org_id"
	// PermissionsKey is the context key for the comma-separated permission slugs.
	PermissionsKey contextKey = "permissions"
)

// WithUserID returns a new context with the user ID set.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithOrgID returns a new context with the organization ID set.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, OrgIDKey, orgID)
}

// GetUserID extracts the user ID from the context.
func GetUserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(UserIDKey).(string)
	return v, ok
}

// GetOrgID extracts the organization ID from the context.
func GetOrgID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(OrgIDKey).(string)
	return v, ok
}
