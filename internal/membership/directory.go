package membership

import (
	"context"
	"fmt"
	"sync"
)

// Directory keeps a Registry and its Index in step. Writes go to the registry first and
// reach the index only after they are stored.
type Directory struct {
	reg Registry
	idx *Index

	mu       sync.Mutex
	onChange []func(employeeIDs []string)
}

// NewDirectory loads every project from reg into a fresh index.
func NewDirectory(ctx context.Context, reg Registry) (*Directory, error) {
	d := &Directory{reg: reg, idx: NewIndex()}
	if _, err := d.Refresh(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// OnChange registers fn to be called with the affected employees after every local write.
func (d *Directory) OnChange(fn func(employeeIDs []string)) {
	d.mu.Lock()
	d.onChange = append(d.onChange, fn)
	d.mu.Unlock()
}

func (d *Directory) Index() *Index { return d.idx }

func (d *Directory) Manages(managerID, employeeID string) bool {
	return d.idx.Manages(managerID, employeeID)
}

func (d *Directory) ListManagedProjects(ctx context.Context, managerID string) ([]Project, error) {
	return d.reg.ListManagedProjects(ctx, managerID)
}

func (d *Directory) ListAllProjects(ctx context.Context) ([]Project, error) {
	return d.reg.ListAllProjects(ctx)
}

// Put stores p and updates the index.
func (d *Directory) Put(ctx context.Context, p Project) (Project, error) {
	n, err := Normalize(p)
	if err != nil {
		return Project{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reg.PutProject(ctx, n); err != nil {
		return Project{}, fmt.Errorf("put project %s: %w", n.ID, err)
	}
	d.notifyLocked(d.idx.Put(n))
	return n, nil
}

// Delete removes a project and updates the index.
func (d *Directory) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reg.DeleteProject(ctx, id); err != nil {
		return err
	}
	d.notifyLocked(d.idx.Remove(id))
	return nil
}

// Refresh reloads the index from the registry, for changes written by another process. It
// does not fire OnChange callbacks.
func (d *Directory) Refresh(ctx context.Context) ([]string, error) {
	ps, err := d.reg.ListAllProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	return d.idx.Reset(ps), nil
}

func (d *Directory) notifyLocked(affected []string) {
	if len(affected) == 0 {
		return
	}
	for _, fn := range d.onChange {
		fn(affected)
	}
}
