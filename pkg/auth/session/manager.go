package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	redisclient "github.com/angelmondragon/storefront-backend/pkg/redis"
)

var errBlankAccessID = errors.New("access id is required")

type store interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	AccessSessionKey(accessID string) string
}

// AccessSessionChecker is the read-only surface used by the auth middleware.
type AccessSessionChecker interface {
	HasSession(ctx context.Context, accessID string) (bool, error)
}

// Session is the server-side record behind one access token.
type Session struct {
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager keeps one Redis key per issued access token so a token can be
// revoked before its exp claim.
type Manager struct {
	store store
	ttl   time.Duration
	now   func() time.Time
}

// NewManager requires a session TTL at least as long as the access token TTL,
// otherwise tokens would outlive their sessions and fail mid-validity.
func NewManager(client *redisclient.Client, cfg config.JWTConfig) (*Manager, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return newManager(client, cfg.SessionTTL(), cfg.AccessTokenTTL())
}

func newManager(s store, ttl, tokenTTL time.Duration) (*Manager, error) {
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if ttl < tokenTTL {
		return nil, fmt.Errorf("session ttl (%s) must not be shorter than access token ttl (%s)", ttl, tokenTTL)
	}
	return &Manager{store: s, ttl: ttl, now: time.Now}, nil
}

// Create registers a session for userID and returns its access id, which the
// caller embeds in the JWT as jti.
func (m *Manager) Create(ctx context.Context, userID uuid.UUID) (string, error) {
	if userID == uuid.Nil {
		return "", errors.New("user id is required")
	}
	payload, err := json.Marshal(Session{UserID: userID, CreatedAt: m.now().UTC()})
	if err != nil {
		return "", err
	}
	accessID := NewAccessID()
	if err := m.store.Set(ctx, m.store.AccessSessionKey(accessID), string(payload), m.ttl); err != nil {
		return "", err
	}
	return accessID, nil
}

// Lookup returns the session for accessID, or nil when it expired or was revoked.
func (m *Manager) Lookup(ctx context.Context, accessID string) (*Session, error) {
	if strings.TrimSpace(accessID) == "" {
		return nil, errBlankAccessID
	}
	raw, err := m.store.Get(ctx, m.store.AccessSessionKey(accessID))
	if redisclient.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", accessID, err)
	}
	return &sess, nil
}

func (m *Manager) HasSession(ctx context.Context, accessID string) (bool, error) {
	sess, err := m.Lookup(ctx, accessID)
	return sess != nil, err
}

// Revoke deletes the session; revoking an unknown id is not an error.
func (m *Manager) Revoke(ctx context.Context, accessID string) error {
	if strings.TrimSpace(accessID) == "" {
		return errBlankAccessID
	}
	return m.store.Del(ctx, m.store.AccessSessionKey(accessID))
}

func NewAccessID() string {
	return uuid.NewString()
}
