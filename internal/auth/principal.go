// Package auth implements token verification and principal resolution
// for gateway connections.
package auth

// Role is a principal's authorization level. The user store is the
// source of truth; token claims only carry a hint.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin || r == RoleSuperAdmin
}

// IsAdmin reports whether r grants admin-level access.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Principal is the authenticated identity attached to a connection.
// A nil *Principal means anonymous. Immutable after the handshake.
type Principal struct {
	Wallet   string
	Role     Role
	Nickname string
}
