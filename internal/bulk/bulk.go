package bulk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"claimdesk.org/internal/audit"
	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/obs"
)

// Op is a bulk-capable workflow operation.
type Op string

const (
	OpApprove  Op = "approve"
	OpMarkPaid Op = "pay"
)

func ParseOp(raw string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve":
		return OpApprove, nil
	case "pay", "mark_paid", "markpaid":
		return OpMarkPaid, nil
	}
	return "", fmt.Errorf("%w: unsupported bulk operation %q", expense.ErrValidation, raw)
}

// Workflow is the subset of expense.Service the coordinator drives.
type Workflow interface {
	Approve(ctx context.Context, id string, actor auth.Actor) (expense.Expense, error)
	MarkPaid(ctx context.Context, id string, actor auth.Actor) (expense.Expense, error)
}

// Outcome is the result of one item.
type Outcome struct {
	ID        string `json:"id"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

// PartialFailureError reports a batch where at least one item failed. Items that
// succeeded stay applied; the batch as a whole is still reported as failed.
type PartialFailureError struct {
	Op       Op
	Outcomes []Outcome
	Err      error
}

func (e *PartialFailureError) Error() string {
	failed := 0
	for _, o := range e.Outcomes {
		if !o.Succeeded {
			failed++
		}
	}
	return fmt.Sprintf("bulk %s: %d of %d items failed: %v", e.Op, failed, len(e.Outcomes), e.Err)
}

func (e *PartialFailureError) Unwrap() []error { return multierr.Errors(e.Err) }

const (
	DefaultConcurrency = 8
	DefaultItemTimeout = 10 * time.Second
	MaxBatch           = 500
)

// Coordinator applies one operation across many ids concurrently.
type Coordinator struct {
	workflow    Workflow
	concurrency int
	itemTimeout time.Duration
}

func New(w Workflow, concurrency int, itemTimeout time.Duration) *Coordinator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if itemTimeout <= 0 {
		itemTimeout = DefaultItemTimeout
	}
	return &Coordinator{workflow: w, concurrency: concurrency, itemTimeout: itemTimeout}
}

// Apply runs op for every id and joins. It succeeds only if every item succeeds;
// otherwise it returns *PartialFailureError. Each item has its own deadline and cancelling
// ctx stops items that have not started.
func (c *Coordinator) Apply(ctx context.Context, ids []string, op Op, actor auth.Actor) (outcomes []Outcome, err error) {
	defer func() {
		obs.ObserveBulk(string(op), err == nil)
		_ = audit.LogEvent(auth.ContextWithActor(ctx, actor), "expense.bulk_"+string(op), map[string]any{
			"count":     len(ids),
			"succeeded": err == nil,
		})
	}()

	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no ids selected", expense.ErrValidation)
	}
	if len(ids) > MaxBatch {
		return nil, fmt.Errorf("%w: at most %d ids per batch", expense.ErrValidation, MaxBatch)
	}
	run, err := c.runner(op)
	if err != nil {
		return nil, err
	}

	outcomes = make([]Outcome, len(ids))
	// Items never return errors to the group so one failure does not cancel the rest.
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i, id := range ids {
		i, id := i, id
		outcomes[i].ID = id
		if ctx.Err() != nil {
			outcomes[i].Err = ctx.Err()
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				return nil
			}
			itemCtx, cancel := context.WithTimeout(ctx, c.itemTimeout)
			defer cancel()
			_, err := run(itemCtx, id, actor)
			outcomes[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	var combined error
	for i := range outcomes {
		o := &outcomes[i]
		if o.Err == nil {
			o.Succeeded = true
			continue
		}
		o.Error = o.Err.Error()
		combined = multierr.Append(combined, fmt.Errorf("%s: %w", o.ID, o.Err))
	}
	if combined != nil {
		return outcomes, &PartialFailureError{Op: op, Outcomes: outcomes, Err: combined}
	}
	return outcomes, nil
}

func (c *Coordinator) runner(op Op) (func(context.Context, string, auth.Actor) (expense.Expense, error), error) {
	switch op {
	case OpApprove:
		return c.workflow.Approve, nil
	case OpMarkPaid:
		return c.workflow.MarkPaid, nil
	}
	return nil, fmt.Errorf("%w: unsupported bulk operation %q", expense.ErrValidation, op)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsPartialFailure unwraps a *PartialFailureError.
func IsPartialFailure(err error) (*PartialFailureError, bool) {
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}
