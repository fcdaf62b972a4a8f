package view

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"claimdesk.org/internal/expense"
)

func row(id, emp string, status expense.Status, cat expense.Category, date civil.Date, amount int64, created time.Time) expense.Expense {
	return expense.Expense{
		ID:           id,
		EmployeeID:   emp,
		EmployeeName: "Emp " + emp,
		Title:        "Expense " + id,
		Status:       status,
		Category:     cat,
		Date:         date,
		Amount:       decimal.NewFromInt(amount),
		CreatedAt:    created,
	}
}

func fixture() []expense.Expense {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan := civil.Date{Year: 2024, Month: 1, Day: 5}
	dec := civil.Date{Year: 2023, Month: 12, Day: 20}
	return []expense.Expense{
		row("a", "E1", expense.StatusSubmitted, expense.CategoryTravel, jan, 100, base.Add(1*time.Hour)),
		row("b", "E1", expense.StatusApproved, expense.CategoryFood, dec, 200, base.Add(2*time.Hour)),
		row("c", "E2", expense.StatusApproved, expense.CategoryTravel, jan, 300, base.Add(3*time.Hour)),
		row("d", "E2", expense.StatusPaid, expense.CategoryStay, dec, 400, base.Add(4*time.Hour)),
		row("e", "E9", expense.StatusApproved, expense.CategoryTravel, jan, 500, base.Add(5*time.Hour)),
		row("f", "E1", expense.StatusDraft, expense.CategoryOffice, jan, 600, base.Add(6*time.Hour)),
	}
}

func team(ids ...string) func(expense.Expense) bool {
	set := map[string]bool{}
	for _, id := range ids {
		set[id] = true
	}
	return func(e expense.Expense) bool { return set[e.EmployeeID] }
}

func idsOf(rows []expense.Expense) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func TestShortcutOverridesCategoryAndDate(t *testing.T) {
	q := NewQuery().
		WithCategory(expense.CategoryTravel).
		WithDateRange(civil.Date{Year: 2024, Month: 1, Day: 1}, civil.Date{})

	got := idsOf(Apply(fixture(), team("E1", "E2"), q))
	if fmt.Sprint(got) != "[c a]" {
		t.Fatalf("category+date filter: got %v", got)
	}

	q = q.WithActiveView(ViewApproved)
	got = idsOf(Apply(fixture(), team("E1", "E2"), q))
	// Every visible Approved row, regardless of category or date; E9 is not visible.
	if fmt.Sprint(got) != "[c b]" {
		t.Fatalf("shortcut must ignore category and date: got %v", got)
	}

	if _, to := q.DateRange(); !to.IsZero() {
		t.Fatal("widget state is kept while the shortcut is active")
	}
	if q.Category() != expense.CategoryTravel {
		t.Fatal("category is kept while the shortcut is active")
	}
}

func TestPendingIsApprovedAlias(t *testing.T) {
	v, err := ParseActiveView("Pending")
	if err != nil || v != ViewApproved {
		t.Fatalf("ParseActiveView: %v %v", v, err)
	}
	if _, err := ParseActiveView("rejected"); err == nil {
		t.Fatal("expected error for unknown shortcut")
	}
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	rows := fixture()
	rows[2].Description = "Airport TAXI"
	got := idsOf(Apply(rows, nil, NewQuery().WithSearch("taxi")))
	if fmt.Sprint(got) != "[c]" {
		t.Fatalf("search: got %v", got)
	}
	got = idsOf(Apply(rows, nil, NewQuery().WithSearch("emp e2")))
	if fmt.Sprint(got) != "[d c]" {
		t.Fatalf("employee name search: got %v", got)
	}
	// Search composes with an active shortcut.
	got = idsOf(Apply(rows, nil, NewQuery().WithActiveView(ViewApproved).WithSearch("emp e2")))
	if fmt.Sprint(got) != "[c]" {
		t.Fatalf("search under shortcut: got %v", got)
	}
}

func TestDateRangeInclusive(t *testing.T) {
	day := civil.Date{Year: 2024, Month: 1, Day: 5}
	got := idsOf(Apply(fixture(), nil, NewQuery().WithDateRange(day, day)))
	if fmt.Sprint(got) != "[f e c a]" {
		t.Fatalf("inclusive bounds: got %v", got)
	}
}

func TestDisplayOrderTieBreak(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []expense.Expense{{ID: "a", CreatedAt: at}, {ID: "c", CreatedAt: at}, {ID: "b", CreatedAt: at.Add(time.Second)}}
	Sort(rows)
	if fmt.Sprint(idsOf(rows)) != "[b c a]" {
		t.Fatalf("unexpected order: %v", idsOf(rows))
	}
}

func TestPaginationResets(t *testing.T) {
	q := NewQuery().WithPage(3)
	if q.Page() != 3 {
		t.Fatalf("WithPage: %d", q.Page())
	}
	resets := map[string]Query{
		"view":     q.WithActiveView(ViewPaid),
		"category": q.WithCategory(expense.CategoryFood),
		"status":   q.WithStatus(expense.StatusDraft),
		"date":     q.WithDateRange(civil.Date{Year: 2024, Month: 1, Day: 1}, civil.Date{}),
		"search":   q.WithSearch("x"),
	}
	for name, next := range resets {
		if next.Page() != 1 {
			t.Fatalf("%s change must reset page, got %d", name, next.Page())
		}
	}
	sized, err := q.WithPageSize(25)
	if err != nil || sized.Page() != 1 || sized.PageSize() != 25 {
		t.Fatalf("page size change: %v page=%d size=%d", err, sized.Page(), sized.PageSize())
	}
	if _, err := q.WithPageSize(20); err == nil {
		t.Fatal("20 is not an allowed page size")
	}
	if q.Page() != 3 {
		t.Fatal("queries are values; the original must not change")
	}
}

func TestFilterEditsLeaveShortcut(t *testing.T) {
	q := NewQuery().WithActiveView(ViewSubmitted).WithCategory(expense.CategoryFood)
	if q.ActiveView() != ViewNone {
		t.Fatal("choosing a category clears the shortcut")
	}
	q = q.WithActiveView(ViewSubmitted).WithSearch("x")
	if q.ActiveView() != ViewSubmitted {
		t.Fatal("search keeps the shortcut")
	}
}

func TestPaginate(t *testing.T) {
	rows := make([]expense.Expense, 23)
	for i := range rows {
		rows[i].ID = fmt.Sprintf("%02d", i)
	}
	p := Paginate(rows, NewQuery().WithPage(3))
	if p.TotalPages != 3 || p.Page != 3 || len(p.Rows) != 3 || p.FilteredCount != 23 {
		t.Fatalf("unexpected page: %+v", p)
	}
	p = Paginate(rows, NewQuery().WithPage(9))
	if p.Page != 3 {
		t.Fatalf("pages past the end clamp, got %d", p.Page)
	}
	p = Paginate(nil, NewQuery())
	if p.TotalPages != 1 || p.Page != 1 || len(p.Rows) != 0 {
		t.Fatalf("empty page: %+v", p)
	}
}

func TestParseValuesRoundTrip(t *testing.T) {
	in := url.Values{
		"category":  {"travel"},
		"from":      {"2024-01-01"},
		"view":      {"pending"},
		"q":         {" lunch "},
		"page_size": {"25"},
		"page":      {"2"},
	}
	q, err := ParseValues(in)
	if err != nil {
		t.Fatalf("ParseValues: %v", err)
	}
	if q.ActiveView() != ViewApproved || q.Category() != expense.CategoryTravel || q.Search() != "lunch" {
		t.Fatalf("unexpected query: %+v", q)
	}
	if q.Page() != 2 || q.PageSize() != 25 {
		t.Fatalf("pagination: page=%d size=%d", q.Page(), q.PageSize())
	}
	again, err := ParseValues(q.Values())
	if err != nil {
		t.Fatalf("ParseValues(Values()): %v", err)
	}
	if again != q {
		t.Fatalf("round trip mismatch: %+v vs %+v", again, q)
	}

	for _, bad := range []url.Values{{"from": {"01/02/2024"}}, {"page_size": {"7"}}, {"page": {"0"}}, {"category": {"Fuel"}}} {
		if _, err := ParseValues(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestTotalsIgnoreFilters(t *testing.T) {
	visible := Apply(fixture(), team("E1", "E2"), NewQuery())
	totals := Compute(visible)
	if totals.Count != 5 || totals.ByStatus[expense.StatusApproved] != 2 || totals.ByStatus[expense.StatusPaid] != 1 {
		t.Fatalf("unexpected counts: %+v", totals)
	}
	if !totals.ApprovedAmount.Equal(decimal.NewFromInt(500)) || !totals.PaidAmount.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("unexpected sums: approved=%s paid=%s", totals.ApprovedAmount, totals.PaidAmount)
	}
	if !totals.SubmittedAmount.Equal(decimal.NewFromInt(100)) || !totals.TotalAmount.Equal(decimal.NewFromInt(1600)) {
		t.Fatalf("unexpected sums: submitted=%s total=%s", totals.SubmittedAmount, totals.TotalAmount)
	}

	inc := NewTotals()
	for _, e := range visible {
		inc.Add(e)
	}
	inc.Remove(visible[0])
	inc.Add(visible[0])
	if !inc.Equal(totals) {
		t.Fatalf("incremental totals diverged: %+v vs %+v", inc, totals)
	}
}
