package expense

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"claimdesk.org/internal/audit"
	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/ids"
	"claimdesk.org/internal/obs"
	"claimdesk.org/internal/receipts"
)

// ChangeKind classifies a committed store mutation.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "expense.upsert"
	ChangeDelete ChangeKind = "expense.delete"
)

// Change is published after a mutation commits.
type Change struct {
	Kind    ChangeKind
	Expense Expense
}

// Notifier receives committed changes.
type Notifier interface {
	ExpenseChanged(c Change)
}

// Option configures a Service.
type Option func(*Service)

func WithReceipts(r receipts.Service) Option { return func(s *Service) { s.receipts = r } }
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service applies the claim workflow. Writes are acknowledged only after the store
// commits; the committed record is then published to the notifier.
type Service struct {
	store    Store
	resolver *Resolver
	receipts receipts.Service
	notifier Notifier
	now      func() time.Time
}

func NewService(store Store, resolver *Resolver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		resolver: resolver,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Resolver() *Resolver { return s.resolver }

// Get returns an expense the actor may see. Invisible expenses are reported as not found.
func (s *Service) Get(ctx context.Context, id string, actor auth.Actor) (Expense, error) {
	if !actor.Valid() {
		return Expense{}, ErrUnauthorized
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return Expense{}, err
	}
	if !s.resolver.Visible(actor, e) {
		return Expense{}, ErrNotFound
	}
	return e, nil
}

// List returns the actor's visible set ordered by id.
func (s *Service) List(ctx context.Context, actor auth.Actor) ([]Expense, error) {
	if !actor.Valid() {
		return nil, ErrUnauthorized
	}
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if s.resolver.Visible(actor, e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create files a new claim owned by actor. The optional receipt is uploaded first; if the
// upload fails nothing is stored.
func (s *Service) Create(ctx context.Context, actor auth.Actor, in NewExpense, receipt *receipts.File) (e Expense, err error) {
	defer func() { s.record(ctx, "create", e.ID, actor, err) }()

	if !actor.Valid() || !actor.HasPermission(auth.PermExpenseCreate) {
		return Expense{}, ErrUnauthorized
	}
	in, err = in.validate()
	if err != nil {
		return Expense{}, err
	}

	now := s.now()
	e = Expense{
		ID:           ids.NewAt(now),
		EmployeeID:   actor.ID,
		EmployeeName: firstNonEmpty(in.EmployeeName, actor.DisplayName()),
		Title:        in.Title,
		Description:  in.Description,
		Date:         in.Date,
		Category:     in.Category,
		Amount:       in.Amount,
		Currency:     in.Currency,
		ProjectID:    in.ProjectID,
		ProjectName:  in.ProjectName,
		Status:       in.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
		Revision:     1,
	}
	if e.Status == StatusSubmitted {
		e.SubmittedAt = &now
	}
	if receipt != nil {
		url, err := s.upload(ctx, *receipt, actor.ID)
		if err != nil {
			return Expense{}, err
		}
		e.ReceiptURL = url
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return Expense{}, fmt.Errorf("insert expense: %w", err)
	}
	s.publish(ChangeUpsert, e)
	return e, nil
}

// Update edits content fields while the claim is Draft or Submitted. Only the owner may
// edit. A receipt upload failure leaves the record unmodified.
func (s *Service) Update(ctx context.Context, id string, actor auth.Actor, patch Patch, receipt *receipts.File) (e Expense, err error) {
	defer func() { s.record(ctx, "update", id, actor, err) }()

	if !actor.Valid() {
		return Expense{}, ErrUnauthorized
	}
	if patch.Empty() && receipt == nil {
		return Expense{}, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return Expense{}, err
	}
	if !s.resolver.Visible(actor, cur) {
		return Expense{}, ErrNotFound
	}
	// The status is checked again under the store lock; an approval landing between the
	// two checks leaves the uploaded receipt unreferenced.
	if err := s.checkEditable(actor, cur); err != nil {
		return Expense{}, err
	}
	// Validate before the upload so a bad patch never stores a file.
	draft := cur.Clone()
	if err := patch.apply(&draft); err != nil {
		return Expense{}, err
	}

	var url string
	if receipt != nil {
		if url, err = s.upload(ctx, *receipt, actor.ID); err != nil {
			return Expense{}, err
		}
	}

	e, err = s.store.Update(ctx, id, func(x *Expense) error {
		if !s.resolver.Visible(actor, *x) {
			return ErrNotFound
		}
		if err := s.checkEditable(actor, *x); err != nil {
			return err
		}
		if err := patch.apply(x); err != nil {
			return err
		}
		if url != "" {
			x.ReceiptURL = url
		}
		x.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return Expense{}, err
	}
	s.publish(ChangeUpsert, e)
	return e, nil
}

// Delete removes the claim at any status. Admins, the owner, and managers who can see the
// claim may delete it. The receipt object is left in place.
func (s *Service) Delete(ctx context.Context, id string, actor auth.Actor) (err error) {
	defer func() { s.record(ctx, "delete", id, actor, err) }()

	if !actor.Valid() {
		return ErrUnauthorized
	}
	removed, err := s.store.Delete(ctx, id, func(x Expense) error {
		switch {
		case x.EmployeeID == actor.ID:
			return nil
		case actor.HasPermission(auth.PermExpenseDelete) && s.resolver.Visible(actor, x):
			return nil
		}
		return fmt.Errorf("%w: %s may not delete expense %s", ErrUnauthorized, actor.ID, x.ID)
	})
	if err != nil {
		return err
	}
	s.publish(ChangeDelete, removed)
	return nil
}

// Submit moves an owner's Draft to Submitted.
func (s *Service) Submit(ctx context.Context, id string, actor auth.Actor) (Expense, error) {
	return s.transition(ctx, "submit", id, actor, func(x *Expense, now time.Time) error {
		if !s.resolver.Visible(actor, *x) {
			return ErrNotFound
		}
		if x.EmployeeID != actor.ID {
			return fmt.Errorf("%w: only the owner may submit", ErrUnauthorized)
		}
		if x.Status != StatusDraft {
			return stale(x, StatusDraft)
		}
		x.Status = StatusSubmitted
		x.SubmittedAt = &now
		return nil
	})
}

// Approve accepts a Submitted claim.
func (s *Service) Approve(ctx context.Context, id string, actor auth.Actor) (Expense, error) {
	return s.transition(ctx, "approve", id, actor, func(x *Expense, now time.Time) error {
		if err := s.checkApprover(actor, *x); err != nil {
			return err
		}
		if x.Status != StatusSubmitted {
			return stale(x, StatusSubmitted)
		}
		x.Status = StatusApproved
		x.ApprovedAt = &now
		x.ApproverID = actor.ID
		x.ApproverName = actor.DisplayName()
		x.RejectionReason = ""
		return nil
	})
}

// Reject declines a Submitted claim. A blank reason records DefaultRejectionReason.
func (s *Service) Reject(ctx context.Context, id string, actor auth.Actor, reason string) (Expense, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectionReason
	}
	return s.transition(ctx, "reject", id, actor, func(x *Expense, now time.Time) error {
		if err := s.checkApprover(actor, *x); err != nil {
			return err
		}
		if x.Status != StatusSubmitted {
			return stale(x, StatusSubmitted)
		}
		x.Status = StatusRejected
		x.RejectedAt = &now
		x.ApproverID = actor.ID
		x.ApproverName = actor.DisplayName()
		x.RejectionReason = reason
		return nil
	})
}

// MarkPaid settles an Approved claim. The approver recorded at approval is kept.
func (s *Service) MarkPaid(ctx context.Context, id string, actor auth.Actor) (Expense, error) {
	return s.transition(ctx, "pay", id, actor, func(x *Expense, now time.Time) error {
		if !actor.HasPermission(auth.PermExpensePay) || !s.resolver.Visible(actor, *x) {
			return fmt.Errorf("%w: %s may not mark expenses paid", ErrUnauthorized, actor.ID)
		}
		if x.Status != StatusApproved {
			return stale(x, StatusApproved)
		}
		x.Status = StatusPaid
		x.PaidAt = &now
		return nil
	})
}

func (s *Service) transition(ctx context.Context, op, id string, actor auth.Actor, fn func(*Expense, time.Time) error) (e Expense, err error) {
	defer func() { s.record(ctx, op, id, actor, err) }()

	if !actor.Valid() {
		return Expense{}, ErrUnauthorized
	}
	if err := ctx.Err(); err != nil {
		return Expense{}, err
	}
	e, err = s.store.Update(ctx, id, func(x *Expense) error {
		now := s.now()
		if err := fn(x, now); err != nil {
			return err
		}
		x.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Expense{}, err
	}
	s.publish(ChangeUpsert, e)
	return e, nil
}

func (s *Service) checkEditable(actor auth.Actor, x Expense) error {
	if x.EmployeeID != actor.ID {
		return fmt.Errorf("%w: only the owner may edit expense %s", ErrUnauthorized, x.ID)
	}
	if !x.Status.Mutable() {
		return fmt.Errorf("%w: expense %s is %s and can no longer be edited", ErrStaleState, x.ID, x.Status)
	}
	return nil
}

func (s *Service) checkApprover(actor auth.Actor, x Expense) error {
	if !actor.HasPermission(auth.PermExpenseApprove) {
		return fmt.Errorf("%w: role %s cannot approve", ErrUnauthorized, actor.Role)
	}
	if !s.resolver.Visible(actor, x) {
		return fmt.Errorf("%w: expense %s is outside %s's team", ErrUnauthorized, x.ID, actor.ID)
	}
	return nil
}

func (s *Service) upload(ctx context.Context, f receipts.File, ownerID string) (string, error) {
	if s.receipts == nil {
		return "", fmt.Errorf("%w: no receipt storage configured", ErrAttachmentUpload)
	}
	url, err := s.receipts.Store(ctx, f, ownerID)
	if errors.Is(err, receipts.ErrInvalidFile) {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAttachmentUpload, err)
	}
	return url, nil
}

func (s *Service) publish(kind ChangeKind, e Expense) {
	if s.notifier == nil {
		return
	}
	s.notifier.ExpenseChanged(Change{Kind: kind, Expense: e.Clone()})
}

func (s *Service) record(ctx context.Context, op, id string, actor auth.Actor, err error) {
	result := ErrorClass(err)
	if err != nil && result == "error" && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		result = "canceled"
	}
	obs.ObserveTransition(op, result)
	if err != nil {
		obs.Logger().Debug("expense operation failed",
			zap.String("op", op), zap.String("expense_id", id), zap.String("actor", actor.ID), zap.Error(err))
		return
	}
	if _, ok := auth.ActorFromContext(ctx); !ok {
		ctx = auth.ContextWithActor(ctx, actor)
	}
	_ = audit.LogEvent(ctx, "expense."+op, map[string]any{"expense_id": id})
}

func stale(x *Expense, want Status) error {
	return fmt.Errorf("%w: expense %s is %s, expected %s", ErrStaleState, x.ID, x.Status, want)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
