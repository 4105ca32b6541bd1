package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// AccessTokenPayload is what the login flow knows when it issues a token.
type AccessTokenPayload struct {
	UserID uuid.UUID
	Role   enums.UserRole
	JTI    string
}

// AccessTokenClaims is the JWT body. The jti doubles as the Redis session id,
// so revoking the session invalidates the token before it expires.
type AccessTokenClaims struct {
	UserID uuid.UUID      `json:"user_id"`
	Role   enums.UserRole `json:"role"`
	jwt.RegisteredClaims
}

var _ jwt.ClaimsValidator = (*AccessTokenClaims)(nil)

// Validate runs after the registered-claim checks during parsing.
func (c *AccessTokenClaims) Validate() error {
	switch {
	case c.UserID == uuid.Nil:
		return errors.New("user_id claim missing")
	case !c.Role.IsValid():
		return fmt.Errorf("invalid role claim %q", c.Role)
	case c.ID == "":
		return errors.New("jti claim missing")
	case c.Subject != c.UserID.String():
		return errors.New("sub does not match user_id")
	}
	return nil
}
