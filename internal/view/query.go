package view

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"

	"claimdesk.org/internal/expense"
)

// ActiveView is the stat shortcut selected from a summary counter. At most one is active.
type ActiveView string

const (
	ViewNone      ActiveView = ""
	ViewSubmitted ActiveView = "submitted"
	ViewApproved  ActiveView = "approved"
	ViewPaid      ActiveView = "paid"
)

var ErrInvalidQuery = errors.New("invalid query")

// ParseActiveView accepts the shortcut names plus "pending", an alias of approved
// (approved but not yet paid).
func ParseActiveView(raw string) (ActiveView, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none", "all":
		return ViewNone, nil
	case "submitted":
		return ViewSubmitted, nil
	case "approved", "pending":
		return ViewApproved, nil
	case "paid":
		return ViewPaid, nil
	}
	return ViewNone, fmt.Errorf("%w: unknown view %q", ErrInvalidQuery, raw)
}

// Status is the status the shortcut selects.
func (v ActiveView) Status() expense.Status {
	switch v {
	case ViewSubmitted:
		return expense.StatusSubmitted
	case ViewApproved:
		return expense.StatusApproved
	case ViewPaid:
		return expense.StatusPaid
	}
	return ""
}

// PageSizes are the allowed page sizes.
var PageSizes = []int{10, 25, 50}

const DefaultPageSize = 10

// Query is an immutable filter and pagination state. Every With* call returns a new
// value; any filter or page size change moves back to page 1.
type Query struct {
	view     ActiveView
	category expense.Category
	status   expense.Status
	from     civil.Date
	to       civil.Date
	search   string
	page     int
	pageSize int
}

func NewQuery() Query {
	return Query{page: 1, pageSize: DefaultPageSize}
}

func (q Query) ActiveView() ActiveView { return q.view }
func (q Query) Category() expense.Category { return q.category }
func (q Query) Status() expense.Status { return q.status }
func (q Query) DateRange() (from, to civil.Date) { return q.from, q.to }
func (q Query) Search() string { return q.search }
func (q Query) Page() int { return max(q.page, 1) }

func (q Query) PageSize() int {
	if q.pageSize == 0 {
		return DefaultPageSize
	}
	return q.pageSize
}

func (q Query) WithActiveView(v ActiveView) Query {
	q.view = v
	q.page = 1
	return q
}

// WithCategory sets the category filter; empty means all. Choosing a category leaves the
// stat shortcut, as in the dashboard.
func (q Query) WithCategory(c expense.Category) Query {
	q.category = c
	q.view = ViewNone
	q.page = 1
	return q
}

// WithStatus sets the status dropdown; empty means all.
func (q Query) WithStatus(s expense.Status) Query {
	q.status = s
	q.view = ViewNone
	q.page = 1
	return q
}

// WithDateRange sets inclusive bounds; a zero date leaves that side open.
func (q Query) WithDateRange(from, to civil.Date) Query {
	q.from, q.to = from, to
	q.view = ViewNone
	q.page = 1
	return q
}

func (q Query) WithSearch(s string) Query {
	q.search = strings.TrimSpace(s)
	q.page = 1
	return q
}

func (q Query) WithPageSize(n int) (Query, error) {
	for _, allowed := range PageSizes {
		if n == allowed {
			q.pageSize = n
			q.page = 1
			return q, nil
		}
	}
	return q, fmt.Errorf("%w: page size must be one of %v", ErrInvalidQuery, PageSizes)
}

// WithPage moves to page n without touching filters.
func (q Query) WithPage(n int) Query {
	q.page = max(n, 1)
	return q
}

// ParseValues builds a Query from URL parameters: view, category, status, from, to, q,
// page_size and page. Filters are applied before the shortcut so an explicit view wins.
func ParseValues(v url.Values) (Query, error) {
	q := NewQuery()
	if raw := strings.TrimSpace(v.Get("category")); raw != "" && !strings.EqualFold(raw, "all") {
		c, err := expense.ParseCategory(raw)
		if err != nil {
			return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		q = q.WithCategory(c)
	}
	if raw := strings.TrimSpace(v.Get("status")); raw != "" && !strings.EqualFold(raw, "all") {
		s, err := expense.ParseStatus(raw)
		if err != nil {
			return Query{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		q = q.WithStatus(s)
	}
	from, err := parseDate(v.Get("from"))
	if err != nil {
		return Query{}, err
	}
	to, err := parseDate(v.Get("to"))
	if err != nil {
		return Query{}, err
	}
	if !from.IsZero() || !to.IsZero() {
		q = q.WithDateRange(from, to)
	}
	if s := v.Get("q"); s != "" {
		q = q.WithSearch(s)
	}
	view, err := ParseActiveView(v.Get("view"))
	if err != nil {
		return Query{}, err
	}
	if view != ViewNone {
		q = q.WithActiveView(view)
	}
	if raw := v.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Query{}, fmt.Errorf("%w: page_size must be an integer", ErrInvalidQuery)
		}
		if q, err = q.WithPageSize(n); err != nil {
			return Query{}, err
		}
	}
	if raw := v.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Query{}, fmt.Errorf("%w: page must be a positive integer", ErrInvalidQuery)
		}
		q = q.WithPage(n)
	}
	return q, nil
}

// Values is the inverse of ParseValues.
func (q Query) Values() url.Values {
	v := url.Values{}
	if q.view != ViewNone {
		v.Set("view", string(q.view))
	}
	if q.category != "" {
		v.Set("category", string(q.category))
	}
	if q.status != "" {
		v.Set("status", string(q.status))
	}
	if !q.from.IsZero() {
		v.Set("from", q.from.String())
	}
	if !q.to.IsZero() {
		v.Set("to", q.to.String())
	}
	if q.search != "" {
		v.Set("q", q.search)
	}
	v.Set("page_size", strconv.Itoa(q.PageSize()))
	v.Set("page", strconv.Itoa(q.Page()))
	return v
}

func parseDate(raw string) (civil.Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return civil.Date{}, nil
	}
	d, err := civil.ParseDate(raw)
	if err != nil {
		return civil.Date{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidQuery, raw)
	}
	return d, nil
}
