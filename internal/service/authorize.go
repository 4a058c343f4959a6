package service

import (
	"fmt"

	"github.com/Strob0t/tenantgate/internal/domain"
	"github.com/Strob0t/tenantgate/internal/domain/member"
)

// RequireRole checks that m ranks at or above min. The role is the one
// resolved for this request's tenant; a missing membership is a denial.
func RequireRole(m *member.Membership, min member.Role) error {
	if m == nil {
		return domain.ErrNotMember
	}
	if !m.Role.AtLeast(min) {
		return fmt.Errorf("%w: role %s, need %s", domain.ErrInsufficientPermissions, m.Role, min)
	}
	return nil
}
