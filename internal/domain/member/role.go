// Package member defines principals, organization memberships and the role hierarchy.
package member

import "fmt"

// Role is a membership role. Roles form a total order:
// viewer < member < admin < owner.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// Rank returns the position of r in the hierarchy, or 0 for an unknown role.
func (r Role) Rank() int {
	return roleRank[r]
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// AtLeast reports whether r ranks at or above min. Unknown roles never satisfy
// a requirement, and an unknown requirement is never satisfied.
func (r Role) AtLeast(min Role) bool {
	if !r.Valid() || !min.Valid() {
		return false
	}
	return r.Rank() >= min.Rank()
}

// Above reports whether r ranks strictly above other.
func (r Role) Above(other Role) bool {
	return r.Valid() && r.Rank() > other.Rank()
}

// ParseRole converts s to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}
