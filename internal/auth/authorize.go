package auth

// Principal represents an authenticated user with resolved permissions.
type Principal struct {
	UserID      string
	Name        string
	Email       string
	Roles       []string
	Permissions map[string]struct{}
}

// NewPrincipal constructs a principal, resolving permissions from roles.
func NewPrincipal(userID, name, email string, roles []string) Principal {
	roles = dedupeRoles(roles)
	return Principal{
		UserID:      userID,
		Name:        name,
		Email:       email,
		Roles:       roles,
		Permissions: PermissionsForRoles(roles),
	}
}

// PrincipalFromClaims builds a principal out of validated token claims.
func PrincipalFromClaims(claims *Claims) Principal {
	return NewPrincipal(claims.Subject, claims.Name, claims.Email, claims.Roles)
}

// HasPermission reports whether the principal can execute the action
// identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
