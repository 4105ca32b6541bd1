package auth

import (
	"time"

	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

const tokenTypeBearer = "Bearer"

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries a bearer token; ExpiresIn is in seconds.
type LoginResponse struct {
	AccessToken string         `json:"accessToken"`
	TokenType   string         `json:"tokenType"`
	ExpiresIn   int64          `json:"expiresIn"`
	ExpiresAt   time.Time      `json:"expiresAt"`
	User        *users.UserDTO `json:"user"`
}

func newLoginResponse(token string, issuedAt time.Time, ttl time.Duration, user *models.User) *LoginResponse {
	return &LoginResponse{
		AccessToken: token,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(ttl / time.Second),
		ExpiresAt:   issuedAt.Add(ttl),
		User:        users.FromModel(user),
	}
}
