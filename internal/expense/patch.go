package expense

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Patch carries owner-editable content fields. Nil fields are left unchanged.
type Patch struct {
	Title       *string
	Description *string
	Date        *civil.Date
	Category    *Category
	Amount      *decimal.Decimal
	Currency    *string
	ProjectID   *string
	ProjectName *string
}

// auditFields are written by workflow transitions only.
var auditFields = map[string]bool{
	"id":               true,
	"employee_id":      true,
	"employee_name":    true,
	"status":           true,
	"submitted_at":     true,
	"approved_at":      true,
	"rejected_at":      true,
	"paid_at":          true,
	"approver_id":      true,
	"approver_name":    true,
	"rejection_reason": true,
	"receipt_url":      true,
	"created_at":       true,
	"updated_at":       true,
}

// ParsePatch decodes a JSON object of field edits. Attempts to set audit or ownership
// fields are rejected with ErrValidation, as are unknown fields.
func ParsePatch(raw map[string]json.RawMessage) (Patch, error) {
	var (
		p         Patch
		forbidden []string
	)
	for key, value := range raw {
		if auditFields[key] {
			forbidden = append(forbidden, key)
			continue
		}
		var err error
		switch key {
		case "title":
			p.Title = new(string)
			err = json.Unmarshal(value, p.Title)
		case "description":
			p.Description = new(string)
			err = json.Unmarshal(value, p.Description)
		case "date":
			p.Date = new(civil.Date)
			err = json.Unmarshal(value, p.Date)
		case "category":
			var s string
			if err = json.Unmarshal(value, &s); err == nil {
				var c Category
				c, err = ParseCategory(s)
				p.Category = &c
			}
		case "amount":
			p.Amount = new(decimal.Decimal)
			err = json.Unmarshal(value, p.Amount)
		case "currency":
			p.Currency = new(string)
			err = json.Unmarshal(value, p.Currency)
		case "project_id":
			p.ProjectID = new(string)
			err = json.Unmarshal(value, p.ProjectID)
		case "project_name":
			p.ProjectName = new(string)
			err = json.Unmarshal(value, p.ProjectName)
		default:
			return Patch{}, fmt.Errorf("%w: unknown field %q", ErrValidation, key)
		}
		if err != nil {
			return Patch{}, fmt.Errorf("%w: field %s: %v", ErrValidation, key, err)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return Patch{}, fmt.Errorf("%w: fields %s are managed by the workflow", ErrValidation, strings.Join(forbidden, ", "))
	}
	return p, nil
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Date == nil && p.Category == nil &&
		p.Amount == nil && p.Currency == nil && p.ProjectID == nil && p.ProjectName == nil
}

// apply writes the patch onto e and validates the resulting content.
func (p Patch) apply(e *Expense) error {
	next := *e
	if p.Title != nil {
		next.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		next.Description = strings.TrimSpace(*p.Description)
	}
	if p.Date != nil {
		next.Date = *p.Date
	}
	if p.Category != nil {
		next.Category = *p.Category
	}
	if p.Amount != nil {
		next.Amount = *p.Amount
	}
	if p.Currency != nil {
		next.Currency = strings.ToUpper(strings.TrimSpace(*p.Currency))
	}
	if p.ProjectID != nil {
		next.ProjectID = strings.TrimSpace(*p.ProjectID)
	}
	if p.ProjectName != nil {
		next.ProjectName = strings.TrimSpace(*p.ProjectName)
	}
	if err := validateContent(next.Title, next.Date, next.Category, next.Amount, next.Currency); err != nil {
		return err
	}
	*e = next
	return nil
}
