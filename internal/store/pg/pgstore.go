package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"claimdesk.org/internal/expense"
)

const pgErrUniqueViolation = "23505"

// Store is the Postgres implementation of the expense store and the project registry.
type Store struct {
	db *sql.DB
}

var _ expense.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const expenseColumns = `id, employee_id, employee_name, title, description, expense_date, category,
	amount, currency, coalesce(project_id,''), coalesce(project_name,''), coalesce(receipt_url,''),
	status, submitted_at, approved_at, rejected_at, paid_at,
	coalesce(approver_id,''), coalesce(approver_name,''), coalesce(rejection_reason,''),
	created_at, updated_at, revision`

type scanner interface {
	Scan(dest ...any) error
}

func scanExpense(row scanner) (expense.Expense, error) {
	var (
		e                                   expense.Expense
		date                                time.Time
		submitted, approved, rejected, paid sql.NullTime
		category, status                    string
	)
	if err := row.Scan(
		&e.ID, &e.EmployeeID, &e.EmployeeName, &e.Title, &e.Description, &date, &category,
		&e.Amount, &e.Currency, &e.ProjectID, &e.ProjectName, &e.ReceiptURL,
		&status, &submitted, &approved, &rejected, &paid,
		&e.ApproverID, &e.ApproverName, &e.RejectionReason,
		&e.CreatedAt, &e.UpdatedAt, &e.Revision,
	); err != nil {
		return expense.Expense{}, err
	}
	e.Date = civil.DateOf(date)
	e.Category = expense.Category(category)
	e.Status = expense.Status(status)
	e.SubmittedAt = timePtr(submitted)
	e.ApprovedAt = timePtr(approved)
	e.RejectedAt = timePtr(rejected)
	e.PaidAt = timePtr(paid)
	return e, nil
}

func (s *Store) Get(ctx context.Context, id string) (expense.Expense, error) {
	e, err := scanExpense(s.db.QueryRowContext(ctx, `select `+expenseColumns+` from expenses where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return expense.Expense{}, expense.ErrNotFound
	}
	return e, err
}

func (s *Store) List(ctx context.Context) ([]expense.Expense, error) {
	return s.query(ctx, `select `+expenseColumns+` from expenses order by id`)
}

// ListByEmployee reads the expenses of the given owners through expenses_employee_idx.
func (s *Store) ListByEmployee(ctx context.Context, employeeIDs []string) ([]expense.Expense, error) {
	if len(employeeIDs) == 0 {
		return nil, nil
	}
	marks := make([]string, len(employeeIDs))
	args := make([]any, len(employeeIDs))
	for i, id := range employeeIDs {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return s.query(ctx, `select `+expenseColumns+` from expenses where employee_id in (`+strings.Join(marks, ",")+`) order by id`, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]expense.Expense, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []expense.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Insert(ctx context.Context, e expense.Expense) error {
	_, err := s.db.ExecContext(ctx, `
		insert into expenses (
			id, employee_id, employee_name, title, description, expense_date, category,
			amount, currency, project_id, project_name, receipt_url,
			status, submitted_at, approved_at, rejected_at, paid_at,
			approver_id, approver_name, rejection_reason, created_at, updated_at, revision
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, insertArgs(e)...)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: expense %s already exists", expense.ErrStaleState, e.ID)
	}
	return err
}

// Update locks the row, runs fn on it and writes the result in the same transaction.
func (s *Store) Update(ctx context.Context, id string, fn func(*expense.Expense) error) (expense.Expense, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return expense.Expense{}, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanExpense(tx.QueryRowContext(ctx, `select `+expenseColumns+` from expenses where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return expense.Expense{}, expense.ErrNotFound
	}
	if err != nil {
		return expense.Expense{}, err
	}
	if err := fn(&e); err != nil {
		return expense.Expense{}, err
	}
	e.Revision++

	if _, err := tx.ExecContext(ctx, `
		update expenses set
			title = $2, description = $3, expense_date = $4, category = $5, amount = $6,
			currency = $7, project_id = $8, project_name = $9, receipt_url = $10,
			status = $11, submitted_at = $12, approved_at = $13, rejected_at = $14, paid_at = $15,
			approver_id = $16, approver_name = $17, rejection_reason = $18, updated_at = $19,
			revision = $20
		where id = $1
	`, e.ID, e.Title, e.Description, e.Date.In(time.UTC), string(e.Category), e.Amount,
		e.Currency, nullIfEmpty(e.ProjectID), nullIfEmpty(e.ProjectName), nullIfEmpty(e.ReceiptURL),
		string(e.Status), nullTime(e.SubmittedAt), nullTime(e.ApprovedAt), nullTime(e.RejectedAt), nullTime(e.PaidAt),
		nullIfEmpty(e.ApproverID), nullIfEmpty(e.ApproverName), nullIfEmpty(e.RejectionReason), e.UpdatedAt,
		e.Revision,
	); err != nil {
		return expense.Expense{}, err
	}
	if err := tx.Commit(); err != nil {
		return expense.Expense{}, err
	}
	return e, nil
}

func (s *Store) Delete(ctx context.Context, id string, fn func(expense.Expense) error) (expense.Expense, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return expense.Expense{}, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanExpense(tx.QueryRowContext(ctx, `select `+expenseColumns+` from expenses where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return expense.Expense{}, expense.ErrNotFound
	}
	if err != nil {
		return expense.Expense{}, err
	}
	if fn != nil {
		if err := fn(e); err != nil {
			return expense.Expense{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `delete from expenses where id = $1`, id); err != nil {
		return expense.Expense{}, err
	}
	if err := tx.Commit(); err != nil {
		return expense.Expense{}, err
	}
	return e, nil
}

// --- helpers ---
func insertArgs(e expense.Expense) []any {
	return []any{
		e.ID, e.EmployeeID, e.EmployeeName, e.Title, e.Description, e.Date.In(time.UTC), string(e.Category),
		e.Amount, e.Currency, nullIfEmpty(e.ProjectID), nullIfEmpty(e.ProjectName), nullIfEmpty(e.ReceiptURL),
		string(e.Status), nullTime(e.SubmittedAt), nullTime(e.ApprovedAt), nullTime(e.RejectedAt), nullTime(e.PaidAt),
		nullIfEmpty(e.ApproverID), nullIfEmpty(e.ApproverName), nullIfEmpty(e.RejectionReason), e.CreatedAt, e.UpdatedAt,
		max(e.Revision, 1),
	}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
