package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/bulk"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/feed"
	"claimdesk.org/internal/membership"
	"claimdesk.org/internal/receipts"
)

type apiClient struct {
	baseURL  string
	client   *http.Client
	t        *testing.T
	receipts *receipts.Memory
}

func newTestDeps(t *testing.T) (Deps, *receipts.Memory) {
	t.Helper()

	dir, err := membership.NewDirectory(context.Background(), membership.NewInMemory(membership.Project{
		ID:          "P1",
		Name:        "Apollo",
		ManagerID:   "mgr-1",
		AssigneeIDs: []string{"emp-1"},
	}))
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	bus := feed.NewBus(16)
	dir.OnChange(bus.MembershipChanged)

	store := expense.NewInMemory()
	resolver := expense.NewResolver(dir)
	rec := receipts.NewMemory("")
	svc := expense.NewService(store, resolver, expense.WithReceipts(rec), expense.WithNotifier(bus))
	tokens, err := auth.NewTokens("test-secret")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	return Deps{
		Expenses:  svc,
		Feed:      feed.NewHub(bus, store, resolver),
		Bulk:      bulk.New(svc, 4, time.Second),
		Projects:  dir,
		Tokens:    tokens,
		TokenTTL:  time.Hour,
		DevTokens: true,
	}, rec
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	deps, rec := newTestDeps(t)
	api := New(ReadyProbe{}, "test", deps, Options{RateBurst: 1000, RatePerSec: 1000})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:  srv.URL,
		client:   srv.Client(),
		t:        t,
		receipts: rec,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

func (c *apiClient) obtainToken(user, role string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/token", map[string]any{
		"user": user,
		"name": strings.ToUpper(user),
		"role": role,
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) create(token string, body map[string]any) expense.Expense {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/expenses", body, token)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create: unexpected status %d: %v", resp.StatusCode, decode[map[string]any](c.t, resp))
	}
	return decode[expense.Expense](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func claim(title string) map[string]any {
	return map[string]any{
		"title":    title,
		"date":     "2024-03-14",
		"category": "Travel",
		"amount":   "1250.50",
	}
}

func TestAPIExpenseLifecycle(t *testing.T) {
	api := newTestAPI(t)
	employee := api.obtainToken("emp-1", "employee")
	manager := api.obtainToken("mgr-1", "manager")
	admin := api.obtainToken("admin-1", "admin")

	body := claim("Taxi to airport")
	body["receipt"] = map[string]any{
		"name":         "taxi receipt.pdf",
		"content_type": "application/pdf",
		"data":         base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")),
	}
	e := api.create(employee, body)
	if e.Status != expense.StatusSubmitted || e.EmployeeID != "emp-1" || e.EmployeeName != "EMP-1" {
		t.Fatalf("unexpected created claim: %+v", e)
	}
	if !strings.HasPrefix(e.ReceiptURL, "memory://receipts/receipts/emp_1/") || api.receipts.Len() != 1 {
		t.Fatalf("receipt not stored: %q", e.ReceiptURL)
	}

	resp := api.do(http.MethodPost, "/v1/expenses/"+e.ID+"/approve", nil, manager)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: unexpected status %d", resp.StatusCode)
	}
	approved := decode[expense.Expense](t, resp)
	if approved.Status != expense.StatusApproved || approved.ApproverID != "mgr-1" {
		t.Fatalf("unexpected approved claim: %+v", approved)
	}

	resp = api.do(http.MethodPost, "/v1/expenses/"+e.ID+"/pay", nil, manager)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("managers cannot pay, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/expenses/"+e.ID+"/pay", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pay: unexpected status %d", resp.StatusCode)
	}
	paid := decode[expense.Expense](t, resp)
	if paid.Status != expense.StatusPaid || paid.ApproverID != "mgr-1" || paid.PaidAt == nil {
		t.Fatalf("unexpected paid claim: %+v", paid)
	}

	resp = api.get("/v1/expenses", url.Values{"view": {"paid"}}, employee)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: unexpected status %d", resp.StatusCode)
	}
	snap := decode[feed.Snapshot](t, resp)
	if snap.FilteredCount != 1 || len(snap.Rows) != 1 || snap.Rows[0].ID != e.ID {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Totals.Count != 1 || snap.Totals.PaidAmount.String() != "1250.5" {
		t.Fatalf("unexpected totals: %+v", snap.Totals)
	}
}

func TestAPIRejectDefaultsReason(t *testing.T) {
	api := newTestAPI(t)
	employee := api.obtainToken("emp-1", "employee")
	manager := api.obtainToken("mgr-1", "manager")

	e := api.create(employee, claim("Hotel"))
	resp := api.do(http.MethodPost, "/v1/expenses/"+e.ID+"/reject", nil, manager)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: unexpected status %d", resp.StatusCode)
	}
	rejected := decode[expense.Expense](t, resp)
	if rejected.RejectionReason != expense.DefaultRejectionReason {
		t.Fatalf("unexpected reason: %q", rejected.RejectionReason)
	}

	resp = api.do(http.MethodPost, "/v1/expenses/"+e.ID+"/approve", nil, manager)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("rejected claims are terminal, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPICreateValidation(t *testing.T) {
	api := newTestAPI(t)
	employee := api.obtainToken("emp-1", "employee")

	cases := map[string]map[string]any{
		"missing title": {"date": "2024-03-14", "category": "Food", "amount": "10"},
		"bad date":      {"title": "x", "date": "14/03/2024", "category": "Food", "amount": "10"},
		"bad category":  {"title": "x", "date": "2024-03-14", "category": "Fuel", "amount": "10"},
		"zero amount":   {"title": "x", "date": "2024-03-14", "category": "Food", "amount": "0"},
		"unknown field": {"title": "x", "date": "2024-03-14", "category": "Food", "amount": "10", "status": "Paid"},
	}
	for name, body := range cases {
		resp := api.do(http.MethodPost, "/v1/expenses", body, employee)
		payload := decode[map[string]any](t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d (%v)", name, resp.StatusCode, payload)
		}
		if payload["error"] == "" || payload["request_id"] == "" {
			t.Fatalf("%s: expected error and request_id, got %v", name, payload)
		}
	}
}

func TestAPIPatch(t *testing.T) {
	api := newTestAPI(t)
	employee := api.obtainToken("emp-1", "employee")
	e := api.create(employee, map[string]any{
		"title": "Lunch", "date": "2024-03-14", "category": "Food", "amount": "40", "draft": true,
	})
	if e.Status != expense.StatusDraft {
		t.Fatalf("expected draft, got %s", e.Status)
	}

	resp := api.do(http.MethodPatch, "/v1/expenses/"+e.ID, map[string]any{"status": "Paid"}, employee)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("audit fields are not editable, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPatch, "/v1/expenses/"+e.ID, map[string]any{"title": "Team lunch", "amount": "55.25"}, employee)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: unexpected status %d", resp.StatusCode)
	}
	updated := decode[expense.Expense](t, resp)
	if updated.Title != "Team lunch" || updated.Amount.String() != "55.25" {
		t.Fatalf("unexpected patched claim: %+v", updated)
	}

	resp = api.do(http.MethodPost, "/v1/expenses/"+e.ID+"/submit", nil, employee)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIVisibility(t *testing.T) {
	api := newTestAPI(t)
	employee := api.obtainToken("emp-1", "employee")
	outsider := api.obtainToken("mgr-2", "manager")
	admin := api.obtainToken("admin-1", "admin")

	e := api.create(employee, claim("Conference"))

	resp := api.get("/v1/expenses/"+e.ID, nil, outsider)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outside managers must not see the claim, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/projects/P2", map[string]any{
		"name":               "Borealis",
		"project_manager_id": "mgr-2",
		"assignee_ids":       []string{"emp-1"},
	}, employee)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("employees cannot sync projects, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/projects/P2", map[string]any{
		"name":               "Borealis",
		"project_manager_id": "mgr-2",
		"assignee_ids":       []string{"emp-1"},
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("project put: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/expenses/"+e.ID, nil, outsider)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assigned manager should see the claim, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/projects", nil, outsider)
	projects := decode[projectsResponse](t, resp)
	if len(projects.Items) != 1 || projects.Items[0].ID != "P2" {
		t.Fatalf("unexpected managed projects: %+v", projects.Items)
	}

	resp = api.do(http.MethodDelete, "/v1/projects/P2", nil, admin)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("project delete: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/expenses/"+e.ID, nil, outsider)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("visibility must follow membership removal, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIBulkPartialFailure(t *testing.T) {
	api := newTestAPI(t)
	employee := api.obtainToken("emp-1", "employee")
	manager := api.obtainToken("mgr-1", "manager")

	a := api.create(employee, claim("Flight"))
	b := api.create(employee, claim("Train"))
	resp := api.do(http.MethodPost, "/v1/expenses/"+b.ID+"/approve", nil, manager)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/expenses/bulk", map[string]any{
		"op":  "approve",
		"ids": []string{a.ID, b.ID},
	}, manager)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	out := decode[bulkResponse](t, resp)
	if out.Succeeded || len(out.Outcomes) != 2 || out.Error == "" {
		t.Fatalf("unexpected bulk response: %+v", out)
	}
	for _, o := range out.Outcomes {
		switch o.ID {
		case a.ID:
			if !o.Succeeded {
				t.Fatalf("first item should have been approved: %+v", o)
			}
		case b.ID:
			if o.Succeeded || o.Error == "" {
				t.Fatalf("second item should have failed: %+v", o)
			}
		}
	}

	resp = api.do(http.MethodPost, "/v1/expenses/bulk", map[string]any{"op": "approve", "ids": []string{}}, manager)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty batch: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIExportCSV(t *testing.T) {
	api := newTestAPI(t)
	employee := api.obtainToken("emp-1", "employee")
	api.create(employee, claim(`Dinner "client"`))

	resp := api.get("/v1/expenses/export.csv", url.Values{"category": {"Travel"}}, employee)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	lines := strings.Split(strings.TrimRight(buf.String(), "\r\n"), "\r\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "ID,Employee Name,") {
		t.Fatalf("unexpected csv: %q", buf.String())
	}
	if !strings.Contains(lines[1], `"Dinner ""client"""`) {
		t.Fatalf("title must be quoted with doubled quotes: %q", lines[1])
	}
}

func TestAPIStreamDeliversSnapshots(t *testing.T) {
	api := newTestAPI(t)
	employee := api.obtainToken("emp-1", "employee")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/expenses/stream?view=submitted", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+employee)
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	next := func() feed.Snapshot {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var snap feed.Snapshot
				if err := json.Unmarshal([]byte(data), &snap); err != nil {
					t.Fatalf("decode snapshot: %v", err)
				}
				return snap
			}
		}
	}

	if first := next(); first.FilteredCount != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", first)
	}
	e := api.create(employee, claim("Cab"))
	second := next()
	if second.FilteredCount != 1 || len(second.Rows) != 1 || second.Rows[0].ID != e.ID {
		t.Fatalf("expected the new claim in the next snapshot, got %+v", second)
	}
}

func TestAPIHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
