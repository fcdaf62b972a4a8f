package view

import (
	"sort"
	"strings"

	"claimdesk.org/internal/expense"
)

// Match applies the filter stages after visibility. An active shortcut replaces the
// category, status and date stages; search always applies.
func (q Query) Match(e expense.Expense) bool {
	if q.view != ViewNone {
		if e.Status != q.view.Status() {
			return false
		}
	} else {
		if q.category != "" && categoryOf(e) != q.category {
			return false
		}
		if q.status != "" && e.Status != q.status {
			return false
		}
		if !q.from.IsZero() && e.Date.Before(q.from) {
			return false
		}
		if !q.to.IsZero() && e.Date.After(q.to) {
			return false
		}
	}
	if q.search != "" {
		needle := strings.ToLower(q.search)
		if !strings.Contains(strings.ToLower(e.Title), needle) &&
			!strings.Contains(strings.ToLower(e.EmployeeName), needle) &&
			!strings.Contains(strings.ToLower(e.Description), needle) {
			return false
		}
	}
	return true
}

func categoryOf(e expense.Expense) expense.Category {
	if e.Category == "" {
		return expense.CategoryOther
	}
	return e.Category
}

// Apply runs visibility then the query stages and returns the rows in display order.
// A nil visible admits everything.
func Apply(rows []expense.Expense, visible func(expense.Expense) bool, q Query) []expense.Expense {
	out := make([]expense.Expense, 0, len(rows))
	for _, e := range rows {
		if visible != nil && !visible(e) {
			continue
		}
		if q.Match(e) {
			out = append(out, e)
		}
	}
	Sort(out)
	return out
}

// Sort orders rows newest first, breaking ties by id descending.
func Sort(rows []expense.Expense) {
	sort.Slice(rows, func(i, j int) bool { return Less(rows[i], rows[j]) })
}

// Less reports whether a is displayed before b.
func Less(a, b expense.Expense) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Page is one page of filtered rows plus pagination metadata.
type Page struct {
	Rows          []expense.Expense `json:"rows"`
	FilteredCount int               `json:"filtered_count"`
	Page          int               `json:"page"`
	PageSize      int               `json:"page_size"`
	TotalPages    int               `json:"total_pages"`
}

// Paginate slices rows for q's page. Pages past the end clamp to the last page.
func Paginate(rows []expense.Expense, q Query) Page {
	size := q.PageSize()
	total := max(1, (len(rows)+size-1)/size)
	page := min(q.Page(), total)
	start := (page - 1) * size
	end := min(start+size, len(rows))
	out := make([]expense.Expense, end-start)
	copy(out, rows[start:end])
	return Page{
		Rows:          out,
		FilteredCount: len(rows),
		Page:          page,
		PageSize:      size,
		TotalPages:    total,
	}
}
