package auth

const (
	PermExpenseCreate  = "expense.create"
	PermExpenseApprove = "expense.approve"
	PermExpensePay     = "expense.pay"
	PermExpenseDelete  = "expense.delete"
	PermProjectsManage = "projects.manage"
)

// rolePermissions is the fixed capability table. Visibility (which expenses a permission
// applies to) is resolved separately from project membership.
var rolePermissions = map[Role][]string{
	RoleEmployee: {PermExpenseCreate},
	RoleManager:  {PermExpenseCreate, PermExpenseApprove, PermExpenseDelete},
	RoleAdmin: {
		PermExpenseCreate,
		PermExpenseApprove,
		PermExpensePay,
		PermExpenseDelete,
		PermProjectsManage,
	},
}

// PermissionsFor lists the capabilities granted to role.
func PermissionsFor(role Role) []string {
	perms := rolePermissions[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}
