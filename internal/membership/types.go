package membership

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Project is the slice of a project record the expense workflow needs: who manages it
// and who is assigned to it.
type Project struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ManagerID   string   `json:"project_manager_id"`
	AssigneeIDs []string `json:"assignee_ids"`
}

var (
	ErrNotFound       = errors.New("project not found")
	ErrInvalidProject = errors.New("invalid project")
)

// Provider answers membership questions from the project system of record.
type Provider interface {
	ListManagedProjects(ctx context.Context, managerID string) ([]Project, error)
	ListAllProjects(ctx context.Context) ([]Project, error)
}

// Registry is a Provider that also accepts project synchronization writes.
type Registry interface {
	Provider
	PutProject(ctx context.Context, p Project) error
	DeleteProject(ctx context.Context, id string) error
}

// Normalize trims identifiers, drops blank and duplicate assignees and validates the record.
func Normalize(p Project) (Project, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.ManagerID = strings.TrimSpace(p.ManagerID)
	if p.ID == "" {
		return Project{}, errors.Join(ErrInvalidProject, errors.New("id is required"))
	}
	seen := make(map[string]struct{}, len(p.AssigneeIDs))
	assignees := make([]string, 0, len(p.AssigneeIDs))
	for _, id := range p.AssigneeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		assignees = append(assignees, id)
	}
	sort.Strings(assignees)
	p.AssigneeIDs = assignees
	return p, nil
}
