package identity

// Claim names understood by RoleFromClaims.
const (
	ClaimRole       = "role"
	ClaimAdmin      = "admin"
	ClaimSuperadmin = "superadmin"
)

// RoleFromClaims derives the role with precedence superadmin > admin >
// ambassador. Boolean flags must be literal true; an unknown role string
// falls through to ambassador.
func RoleFromClaims(claims map[string]any) Role {
	role, _ := roleFromClaims(claims)
	return role
}

// roleFromClaims also reports whether any role-bearing claim was present.
func roleFromClaims(claims map[string]any) (Role, bool) {
	roleName, hasRole := claims[ClaimRole].(string)
	_, hasAdmin := claims[ClaimAdmin]
	_, hasSuper := claims[ClaimSuperadmin]
	present := hasRole || hasAdmin || hasSuper

	switch {
	case isTrue(claims[ClaimSuperadmin]) || Role(roleName) == RoleSuperadmin:
		return RoleSuperadmin, present
	case isTrue(claims[ClaimAdmin]) || Role(roleName) == RoleAdmin:
		return RoleAdmin, present
	default:
		return RoleAmbassador, present
	}
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
