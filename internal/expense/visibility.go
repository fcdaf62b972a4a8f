package expense

import "claimdesk.org/internal/auth"

// Membership answers whether a manager manages a project an employee is assigned to.
type Membership interface {
	Manages(managerID, employeeID string) bool
}

// Resolver decides which expenses an actor may see.
type Resolver struct {
	members Membership
}

func NewResolver(m Membership) *Resolver {
	return &Resolver{members: m}
}

// Visible reports whether actor may read e. Manager visibility is derived from current
// project membership on every call.
func (r *Resolver) Visible(actor auth.Actor, e Expense) bool {
	return r.SeesEmployee(actor, e.EmployeeID)
}

// SeesEmployee reports whether actor may read expenses owned by employeeID.
func (r *Resolver) SeesEmployee(actor auth.Actor, employeeID string) bool {
	switch actor.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleEmployee:
		return employeeID == actor.ID
	case auth.RoleManager:
		if r.members == nil {
			return false
		}
		return r.members.Manages(actor.ID, employeeID)
	}
	return false
}

// Predicate binds Visible to one actor.
func (r *Resolver) Predicate(actor auth.Actor) func(Expense) bool {
	return func(e Expense) bool { return r.Visible(actor, e) }
}
