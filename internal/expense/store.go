package expense

import (
	"context"
	"sort"
	"sync"
)

// Store is durable expense storage. Update and Delete run fn against the current record
// atomically with the write, so status checks made inside fn cannot race. Update bumps
// Revision on every successful write.
type Store interface {
	Get(ctx context.Context, id string) (Expense, error)
	List(ctx context.Context) ([]Expense, error)
	// ListByEmployee returns the expenses owned by any of employeeIDs, ordered by id.
	ListByEmployee(ctx context.Context, employeeIDs []string) ([]Expense, error)
	Insert(ctx context.Context, e Expense) error
	Update(ctx context.Context, id string, fn func(*Expense) error) (Expense, error)
	Delete(ctx context.Context, id string, fn func(Expense) error) (Expense, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu   sync.RWMutex
	rows map[string]Expense
}

func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[string]Expense)}
}

func (s *InMemory) Get(ctx context.Context, id string) (Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rows[id]
	if !ok {
		return Expense{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *InMemory) List(ctx context.Context) ([]Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Expense, 0, len(s.rows))
	for _, e := range s.rows {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) ListByEmployee(ctx context.Context, employeeIDs []string) ([]Expense, error) {
	want := make(map[string]struct{}, len(employeeIDs))
	for _, id := range employeeIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Expense
	for _, e := range s.rows {
		if _, ok := want[e.EmployeeID]; ok {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) Insert(ctx context.Context, e Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[e.ID]; exists {
		return ErrStaleState
	}
	if e.Revision == 0 {
		e.Revision = 1
	}
	s.rows[e.ID] = e.Clone()
	return nil
}

func (s *InMemory) Update(ctx context.Context, id string, fn func(*Expense) error) (Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[id]
	if !ok {
		return Expense{}, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Expense{}, err
	}
	next.Revision = cur.Revision + 1
	s.rows[id] = next
	return next.Clone(), nil
}

func (s *InMemory) Delete(ctx context.Context, id string, fn func(Expense) error) (Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[id]
	if !ok {
		return Expense{}, ErrNotFound
	}
	if fn != nil {
		if err := fn(cur.Clone()); err != nil {
			return Expense{}, err
		}
	}
	delete(s.rows, id)
	return cur, nil
}
