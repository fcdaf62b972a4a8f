package expense

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Status is a position in the claim workflow.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusSubmitted Status = "Submitted"
	StatusApproved  Status = "Approved"
	StatusRejected  Status = "Rejected"
	StatusPaid      Status = "Paid"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{StatusDraft, StatusSubmitted, StatusApproved, StatusRejected, StatusPaid}

func ParseStatus(raw string) (Status, error) {
	for _, s := range Statuses {
		if strings.EqualFold(strings.TrimSpace(raw), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == StatusRejected || s == StatusPaid }

// Mutable reports whether the owner may still edit content fields.
func (s Status) Mutable() bool { return s == StatusDraft || s == StatusSubmitted }

type Category string

const (
	CategoryTravel Category = "Travel"
	CategoryFood   Category = "Food"
	CategoryStay   Category = "Stay"
	CategoryOffice Category = "Office"
	CategoryOther  Category = "Other"
)

var Categories = []Category{CategoryTravel, CategoryFood, CategoryStay, CategoryOffice, CategoryOther}

func ParseCategory(raw string) (Category, error) {
	for _, c := range Categories {
		if strings.EqualFold(strings.TrimSpace(raw), string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrValidation, raw)
}

const (
	DefaultCurrency = "INR"
	// DefaultRejectionReason is recorded when an approver rejects without a reason.
	DefaultRejectionReason = "No reason provided"
)

// Expense is a single reimbursement claim. Amounts are decimals; no floats.
type Expense struct {
	ID           string          `json:"id"`
	EmployeeID   string          `json:"employee_id"`
	EmployeeName string          `json:"employee_name"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Date         civil.Date      `json:"date"`
	Category     Category        `json:"category"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ProjectID    string          `json:"project_id,omitempty"`
	ProjectName  string          `json:"project_name,omitempty"`
	ReceiptURL   string          `json:"receipt_url,omitempty"`
	Status       Status          `json:"status"`

	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
	ApproverID      string     `json:"approver_id,omitempty"`
	ApproverName    string     `json:"approver_name,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Revision starts at 1 and grows with every committed update.
	Revision int64 `json:"revision"`
}

// Clone returns a copy that shares no pointers with e.
func (e Expense) Clone() Expense {
	e.SubmittedAt = cloneTime(e.SubmittedAt)
	e.ApprovedAt = cloneTime(e.ApprovedAt)
	e.RejectedAt = cloneTime(e.RejectedAt)
	e.PaidAt = cloneTime(e.PaidAt)
	return e
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewExpense is the content an employee files. The owner comes from the acting user.
type NewExpense struct {
	Title        string
	Description  string
	Date         civil.Date
	Category     Category
	Amount       decimal.Decimal
	Currency     string
	ProjectID    string
	ProjectName  string
	EmployeeName string
	// Status is Draft or Submitted; empty means Submitted.
	Status Status
}

func (n NewExpense) validate() (NewExpense, error) {
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)
	n.Currency = strings.ToUpper(strings.TrimSpace(n.Currency))
	n.ProjectID = strings.TrimSpace(n.ProjectID)
	n.ProjectName = strings.TrimSpace(n.ProjectName)
	if n.Currency == "" {
		n.Currency = DefaultCurrency
	}
	if n.Status == "" {
		n.Status = StatusSubmitted
	}
	if n.Status != StatusDraft && n.Status != StatusSubmitted {
		return n, fmt.Errorf("%w: new expenses start as Draft or Submitted, got %s", ErrValidation, n.Status)
	}
	if err := validateContent(n.Title, n.Date, n.Category, n.Amount, n.Currency); err != nil {
		return n, err
	}
	return n, nil
}

func validateContent(title string, date civil.Date, category Category, amount decimal.Decimal, currency string) error {
	if title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if date.IsZero() || !date.IsValid() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	if _, err := ParseCategory(string(category)); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be > 0", ErrValidation)
	}
	if len(currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}
	return nil
}
