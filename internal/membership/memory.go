package membership

import (
	"context"
	"sort"
	"sync"
)

// InMemory is a process-local project registry.
type InMemory struct {
	mu       sync.RWMutex
	projects map[string]Project
}

func NewInMemory(seed ...Project) *InMemory {
	m := &InMemory{projects: make(map[string]Project)}
	for _, p := range seed {
		if n, err := Normalize(p); err == nil {
			m.projects[n.ID] = n
		}
	}
	return m
}

func (m *InMemory) ListManagedProjects(ctx context.Context, managerID string) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Project
	for _, p := range m.projects {
		if p.ManagerID == managerID {
			out = append(out, clone(p))
		}
	}
	sortProjects(out)
	return out, nil
}

func (m *InMemory) ListAllProjects(ctx context.Context) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, clone(p))
	}
	sortProjects(out)
	return out, nil
}

func (m *InMemory) PutProject(ctx context.Context, p Project) error {
	n, err := Normalize(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.projects[n.ID] = n
	m.mu.Unlock()
	return nil
}

func (m *InMemory) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func clone(p Project) Project {
	p.AssigneeIDs = append([]string(nil), p.AssigneeIDs...)
	return p
}

func sortProjects(ps []Project) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
