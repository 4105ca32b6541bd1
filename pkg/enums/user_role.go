package enums

import "slices"

// UserRole is the account-level permission role carried in access tokens.
type UserRole string

const (
	UserRoleCustomer UserRole = "customer"
	UserRoleAdmin    UserRole = "admin"
)

var validUserRoles = []UserRole{UserRoleCustomer, UserRoleAdmin}

func (r UserRole) String() string { return string(r) }

func (r UserRole) IsValid() bool { return slices.Contains(validUserRoles, r) }

func ParseUserRole(value string) (UserRole, error) {
	return parse("user role", value, validUserRoles)
}
