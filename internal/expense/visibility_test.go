package expense

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/membership"
)

func TestVisibilityScenario(t *testing.T) {
	idx := membership.NewIndex()
	idx.Put(membership.Project{ID: "P1", ManagerID: "M", AssigneeIDs: []string{"E1", "E2"}})
	idx.Put(membership.Project{ID: "P2", ManagerID: "M", AssigneeIDs: []string{"E2", "E3"}})
	r := NewResolver(idx)

	if !r.Visible(manager, Expense{EmployeeID: "E3"}) {
		t.Fatal("E3 is assigned to P2")
	}
	if r.Visible(manager, Expense{EmployeeID: "E4"}) {
		t.Fatal("E4 is on no managed project")
	}
	if !r.Visible(admin, Expense{EmployeeID: "E4"}) {
		t.Fatal("admins see everything")
	}
	if !r.Visible(employee, Expense{EmployeeID: "E1"}) || r.Visible(employee, Expense{EmployeeID: "E2"}) {
		t.Fatal("employees see only their own claims")
	}

	// Membership changes are picked up without rebuilding the resolver.
	idx.Put(membership.Project{ID: "P2", ManagerID: "M", AssigneeIDs: []string{"E2"}})
	if r.Visible(manager, Expense{EmployeeID: "E3"}) {
		t.Fatal("E3 left P2")
	}
}

// Each project is encoded as one int: manager = v % 3, assignee bitmask over E0..E5 = v / 3.
func decodeProjects(codes []int) []membership.Project {
	out := make([]membership.Project, 0, len(codes))
	for i, v := range codes {
		p := membership.Project{ID: fmt.Sprintf("P%d", i), ManagerID: fmt.Sprintf("M%d", v%3)}
		mask := v / 3
		for e := 0; e < 6; e++ {
			if mask&(1<<e) != 0 {
				p.AssigneeIDs = append(p.AssigneeIDs, fmt.Sprintf("E%d", e))
			}
		}
		out = append(out, p)
	}
	return out
}

func TestManagerVisibilityMatchesTeamUnion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("manager sees e iff e.employeeId is in the union of managed assignees", prop.ForAll(
		func(codes []int, removals []int, mgr, emp int) bool {
			projects := decodeProjects(codes)
			idx := membership.NewIndex()
			for _, p := range projects {
				idx.Put(p)
			}
			live := make(map[string]membership.Project, len(projects))
			for _, p := range projects {
				live[p.ID] = p
			}
			for _, r := range removals {
				if len(projects) == 0 {
					break
				}
				id := projects[r%len(projects)].ID
				idx.Remove(id)
				delete(live, id)
			}

			actor := auth.Actor{ID: fmt.Sprintf("M%d", mgr), Role: auth.RoleManager}
			e := Expense{EmployeeID: fmt.Sprintf("E%d", emp)}

			want := false
			for _, p := range live {
				if p.ManagerID != actor.ID {
					continue
				}
				for _, a := range p.AssigneeIDs {
					if a == e.EmployeeID {
						want = true
					}
				}
			}
			return NewResolver(idx).Visible(actor, e) == want
		},
		gen.SliceOf(gen.IntRange(0, 191)),
		gen.SliceOf(gen.IntRange(0, 15)),
		gen.IntRange(0, 2),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
