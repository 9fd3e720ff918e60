package rbac

// Role names carried in access tokens.
const (
	RoleOwner      = "owner"
	RoleOperator   = "operator"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
)

var (
	// ReadRoles may query the ledger, the dead-letter list and health.
	ReadRoles = []string{RoleOwner, RoleOperator, RoleAnalyst}
	// OperatorRoles may trigger polls, replays and secret rotation.
	OperatorRoles = []string{RoleOwner, RoleOperator}
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
