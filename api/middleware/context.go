package middleware

import "context"

type contextKey uint8

const (
	ctxUserID contextKey = iota
	ctxRole
	ctxSessionID
	ctxRequestID
)

func withValue(ctx context.Context, key contextKey, v string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, v)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// UserIDFromContext returns the authenticated user id, or "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string { return stringValue(ctx, ctxUserID) }

func RoleFromContext(ctx context.Context) string { return stringValue(ctx, ctxRole) }

// SessionIDFromContext returns the access id (JWT jti) of the current session.
func SessionIDFromContext(ctx context.Context) string { return stringValue(ctx, ctxSessionID) }

func RequestIDFromContext(ctx context.Context) string { return stringValue(ctx, ctxRequestID) }

func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, ctxUserID, userID)
}

func WithRole(ctx context.Context, role string) context.Context {
	return withValue(ctx, ctxRole, role)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, ctxSessionID, sessionID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, ctxRequestID, requestID)
}
