package pg

import (
	"context"
	"database/sql"
	"errors"

	"claimdesk.org/internal/membership"
)

var _ membership.Registry = (*Store)(nil)

func (s *Store) ListManagedProjects(ctx context.Context, managerID string) ([]membership.Project, error) {
	return s.queryProjects(ctx, `
		select p.id, p.name, p.manager_id, a.employee_id
		from projects p
		left join project_assignees a on a.project_id = p.id
		where p.manager_id = $1
		order by p.id, a.employee_id
	`, managerID)
}

func (s *Store) ListAllProjects(ctx context.Context) ([]membership.Project, error) {
	return s.queryProjects(ctx, `
		select p.id, p.name, p.manager_id, a.employee_id
		from projects p
		left join project_assignees a on a.project_id = p.id
		order by p.id, a.employee_id
	`)
}

func (s *Store) queryProjects(ctx context.Context, query string, args ...any) ([]membership.Project, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []membership.Project
	for rows.Next() {
		var (
			id, name, manager string
			assignee          sql.NullString
		)
		if err := rows.Scan(&id, &name, &manager, &assignee); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, membership.Project{ID: id, Name: name, ManagerID: manager, AssigneeIDs: []string{}})
		}
		if assignee.Valid {
			last := &out[len(out)-1]
			last.AssigneeIDs = append(last.AssigneeIDs, assignee.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PutProject upserts the project and replaces its assignee set in one transaction.
func (s *Store) PutProject(ctx context.Context, p membership.Project) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	p, err := membership.Normalize(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into projects (id, name, manager_id, updated_at)
		values ($1, $2, $3, now())
		on conflict (id) do update
		set name = excluded.name, manager_id = excluded.manager_id, updated_at = now()
	`, p.ID, p.Name, p.ManagerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from project_assignees where project_id = $1`, p.ID); err != nil {
		return err
	}
	for _, employeeID := range p.AssigneeIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into project_assignees (project_id, employee_id)
			values ($1, $2)
		`, p.ID, employeeID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from projects where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return membership.ErrNotFound
	}
	return nil
}
