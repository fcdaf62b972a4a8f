package membership

import (
	"sort"
	"sync"
)

// Index maintains employeeID -> set(managerID) incrementally. Each edge carries the number
// of projects that contribute it, so removing one of two shared projects keeps the edge.
type Index struct {
	mu       sync.RWMutex
	projects map[string]Project
	managers map[string]map[string]int
}

func NewIndex() *Index {
	return &Index{
		projects: make(map[string]Project),
		managers: make(map[string]map[string]int),
	}
}

// Put inserts or replaces a project and returns the employees whose manager set may have
// changed.
func (x *Index) Put(p Project) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.putLocked(clone(p))
}

// Remove drops a project and returns the employees it used to connect.
func (x *Index) Remove(id string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(id)
}

// Reset replaces the indexed projects with ps and returns every affected employee.
func (x *Index) Reset(ps []Project) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	next := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		next[p.ID] = struct{}{}
	}
	affected := make(map[string]struct{})
	for id := range x.projects {
		if _, keep := next[id]; !keep {
			for _, e := range x.removeLocked(id) {
				affected[e] = struct{}{}
			}
		}
	}
	for _, p := range ps {
		for _, e := range x.putLocked(clone(p)) {
			affected[e] = struct{}{}
		}
	}
	return sortedKeys(affected)
}

// Manages reports whether managerID manages any project employeeID is assigned to.
func (x *Index) Manages(managerID, employeeID string) bool {
	if managerID == "" || employeeID == "" {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.managers[employeeID][managerID] > 0
}

// Managers lists the managers that can see employeeID's expenses.
func (x *Index) Managers(employeeID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	set := make(map[string]struct{}, len(x.managers[employeeID]))
	for m := range x.managers[employeeID] {
		set[m] = struct{}{}
	}
	return sortedKeys(set)
}

// Team returns the union of assignees over the projects managerID manages.
func (x *Index) Team(managerID string) map[string]struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()
	team := make(map[string]struct{})
	for _, p := range x.projects {
		if p.ManagerID != managerID {
			continue
		}
		for _, e := range p.AssigneeIDs {
			team[e] = struct{}{}
		}
	}
	return team
}

// Project returns the indexed copy of a project.
func (x *Index) Project(id string) (Project, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.projects[id]
	if !ok {
		return Project{}, false
	}
	return clone(p), true
}

func (x *Index) putLocked(p Project) []string {
	affected := make(map[string]struct{})
	old, existed := x.projects[p.ID]
	if existed {
		if old.ManagerID == p.ManagerID {
			// Only assignees that joined or left change their manager set.
			before := toSet(old.AssigneeIDs)
			after := toSet(p.AssigneeIDs)
			for e := range before {
				if _, ok := after[e]; !ok {
					x.unlink(e, old.ManagerID)
					affected[e] = struct{}{}
				}
			}
			for e := range after {
				if _, ok := before[e]; !ok {
					x.link(e, p.ManagerID)
					affected[e] = struct{}{}
				}
			}
			x.projects[p.ID] = p
			return sortedKeys(affected)
		}
		for _, e := range x.removeLocked(p.ID) {
			affected[e] = struct{}{}
		}
	}
	x.projects[p.ID] = p
	for _, e := range p.AssigneeIDs {
		x.link(e, p.ManagerID)
		affected[e] = struct{}{}
	}
	return sortedKeys(affected)
}

func (x *Index) removeLocked(id string) []string {
	p, ok := x.projects[id]
	if !ok {
		return nil
	}
	delete(x.projects, id)
	for _, e := range p.AssigneeIDs {
		x.unlink(e, p.ManagerID)
	}
	return append([]string(nil), p.AssigneeIDs...)
}

func (x *Index) link(employeeID, managerID string) {
	if managerID == "" {
		return
	}
	set, ok := x.managers[employeeID]
	if !ok {
		set = make(map[string]int)
		x.managers[employeeID] = set
	}
	set[managerID]++
}

func (x *Index) unlink(employeeID, managerID string) {
	set, ok := x.managers[employeeID]
	if !ok || managerID == "" {
		return
	}
	if set[managerID] <= 1 {
		delete(set, managerID)
	} else {
		set[managerID]--
	}
	if len(set) == 0 {
		delete(x.managers, employeeID)
	}
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
