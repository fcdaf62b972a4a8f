package view

import (
	"github.com/shopspring/decimal"

	"claimdesk.org/internal/expense"
)

// Totals are the role-scoped summary counters. They depend on visibility only, never on
// the active filters.
type Totals struct {
	Count           int                    `json:"count"`
	ByStatus        map[expense.Status]int `json:"by_status"`
	TotalAmount     decimal.Decimal        `json:"total_amount"`
	SubmittedAmount decimal.Decimal        `json:"submitted_amount"`
	ApprovedAmount  decimal.Decimal        `json:"approved_amount"`
	PaidAmount      decimal.Decimal        `json:"paid_amount"`
}

func NewTotals() Totals {
	by := make(map[expense.Status]int, len(expense.Statuses))
	for _, s := range expense.Statuses {
		by[s] = 0
	}
	return Totals{ByStatus: by}
}

// Compute builds totals over rows.
func Compute(rows []expense.Expense) Totals {
	t := NewTotals()
	for _, e := range rows {
		t.Add(e)
	}
	return t
}

// Add folds e into the totals.
func (t *Totals) Add(e expense.Expense) { t.apply(e, 1) }

// Remove takes a previously added e back out.
func (t *Totals) Remove(e expense.Expense) { t.apply(e, -1) }

func (t *Totals) apply(e expense.Expense, sign int64) {
	if t.ByStatus == nil {
		*t = NewTotals()
	}
	amt := e.Amount.Mul(decimal.NewFromInt(sign))
	t.Count += int(sign)
	t.ByStatus[e.Status] += int(sign)
	t.TotalAmount = t.TotalAmount.Add(amt)
	switch e.Status {
	case expense.StatusSubmitted:
		t.SubmittedAmount = t.SubmittedAmount.Add(amt)
	case expense.StatusApproved:
		t.ApprovedAmount = t.ApprovedAmount.Add(amt)
	case expense.StatusPaid:
		t.PaidAmount = t.PaidAmount.Add(amt)
	}
}

// Clone returns a copy safe to hand to another goroutine.
func (t Totals) Clone() Totals {
	by := make(map[expense.Status]int, len(t.ByStatus))
	for k, v := range t.ByStatus {
		by[k] = v
	}
	t.ByStatus = by
	return t
}

// Equal compares counters and sums.
func (t Totals) Equal(o Totals) bool {
	if t.Count != o.Count || !t.TotalAmount.Equal(o.TotalAmount) ||
		!t.SubmittedAmount.Equal(o.SubmittedAmount) || !t.ApprovedAmount.Equal(o.ApprovedAmount) ||
		!t.PaidAmount.Equal(o.PaidAmount) {
		return false
	}
	for _, s := range expense.Statuses {
		if t.ByStatus[s] != o.ByStatus[s] {
			return false
		}
	}
	return true
}
