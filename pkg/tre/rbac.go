package tre

import "github.com/ransomeye/trustcore/pkg/model"

const (
	permExecute           = "tre:execute"
	permExecuteDestructive = "tre:execute_destructive"
	permRollback          = "tre:rollback"
	permEmergency         = "tre:execute_emergency"
)

// rolePermissions is the frozen role -> permission-set table, the
// classic role-table equivalent of a ReBAC relation-tuple check. ANALYST
// holds no execute permission at all — analysts recommend, they don't act.
var rolePermissions = map[model.IssuedByRole]map[string]bool{
	model.RoleAnalyst: {},
	model.RoleResponder: {
		permExecute: true,
	},
	model.RoleAdmin: {
		permExecute:            true,
		permExecuteDestructive: true,
		permRollback:           true,
	},
	model.RoleSuperAdmin: {
		permExecute:            true,
		permExecuteDestructive: true,
		permRollback:           true,
		permEmergency:          true,
	},
	model.RoleSystem: {
		permExecute: true,
	},
}

// rbacCheck reports whether role holds every permission in required.
// Unknown roles hold nothing — default DENY.
func rbacCheck(role model.IssuedByRole, required ...string) bool {
	perms, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range required {
		if !perms[p] {
			return false
		}
	}
	return true
}
