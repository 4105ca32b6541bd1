package redis

import "strings"

const (
	defaultNamespace  = "storefront"
	idempotencyPrefix = "idem"
	rateLimitPrefix   = "rl"
	sessionPrefix     = "session"
	leasePrefix       = "lease"
)

// Keyspace builds colon-separated keys under one namespace. The zero value
// uses "storefront".
type Keyspace struct {
	Namespace string
}

func (k Keyspace) IdempotencyKey(scope, id string) string {
	return k.join(idempotencyPrefix, scope, id)
}

func (k Keyspace) RateLimitKey(scope string) string {
	return k.join(rateLimitPrefix, scope)
}

func (k Keyspace) AccessSessionKey(accessID string) string {
	return k.join(sessionPrefix, "access", accessID)
}

func (k Keyspace) LeaseKey(name string) string {
	return k.join(leasePrefix, name)
}

func (k Keyspace) join(parts ...string) string {
	ns := k.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	b := strings.Builder{}
	b.WriteString(ns)
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			b.WriteByte(':')
			b.WriteString(trimmed)
		}
	}
	return b.String()
}
