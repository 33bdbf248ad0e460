package auth

// Role is an API role. Roles are ordered: viewer < operator < admin.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates a role name.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// Satisfies reports whether r grants at least required. Unknown roles
// satisfy nothing.
func (r Role) Satisfies(required Role) bool {
	rank, ok := roleRanks[r]
	if !ok {
		return false
	}
	return rank >= roleRanks[required]
}
