package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"claimdesk.org/internal/audit"
	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/bulk"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/export"
	"claimdesk.org/internal/membership"
	"claimdesk.org/internal/receipts"
	"claimdesk.org/internal/view"
)

type receiptPayload struct {
	Name        string `json:"name" validate:"required,max=255"`
	ContentType string `json:"content_type" validate:"max=128"`
	Data        string `json:"data" validate:"required,base64"`
}

func (p *receiptPayload) file() (*receipts.File, error) {
	if p == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("receipt data must be base64: %w", err)
	}
	return &receipts.File{Name: p.Name, ContentType: p.ContentType, Data: data}, nil
}

type createExpenseRequest struct {
	Title        string          `json:"title" validate:"required,max=200"`
	Description  string          `json:"description" validate:"max=4000"`
	Date         string          `json:"date" validate:"required,datetime=2006-01-02"`
	Category     string          `json:"category" validate:"required"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency" validate:"omitempty,len=3,alpha"`
	ProjectID    string          `json:"project_id" validate:"max=128"`
	ProjectName  string          `json:"project_name" validate:"max=200"`
	EmployeeName string          `json:"employee_name" validate:"max=200"`
	// Draft keeps the claim out of the approval queue until it is submitted.
	Draft   bool            `json:"draft"`
	Receipt *receiptPayload `json:"receipt"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type bulkRequest struct {
	Op  string   `json:"op" validate:"required"`
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
}

type bulkResponse struct {
	Op        bulk.Op        `json:"op"`
	Succeeded bool           `json:"succeeded"`
	Outcomes  []bulk.Outcome `json:"outcomes"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (a *API) handleExpensesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listExpenses(w, r)
	case http.MethodPost:
		a.createExpense(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleExpenseResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/expenses/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		switch r.Method {
		case http.MethodGet:
			a.getExpense(w, r, parts[0])
		case http.MethodPatch:
			a.updateExpense(w, r, parts[0])
		case http.MethodDelete:
			a.deleteExpense(w, r, parts[0])
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.transition(w, r, parts[0], parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listExpenses(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	q, err := view.ParseValues(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := a.feed.Snapshot(r.Context(), actor, q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) createExpense(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createExpenseRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	in, file, err := req.toNew()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.expenses.Create(r.Context(), actor, in, file)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/expenses/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (req createExpenseRequest) toNew() (expense.NewExpense, *receipts.File, error) {
	date, err := civil.ParseDate(req.Date)
	if err != nil {
		return expense.NewExpense{}, nil, errors.New("date must be YYYY-MM-DD")
	}
	category, err := expense.ParseCategory(req.Category)
	if err != nil {
		return expense.NewExpense{}, nil, err
	}
	file, err := req.Receipt.file()
	if err != nil {
		return expense.NewExpense{}, nil, err
	}
	status := expense.StatusSubmitted
	if req.Draft {
		status = expense.StatusDraft
	}
	return expense.NewExpense{
		Title:        req.Title,
		Description:  req.Description,
		Date:         date,
		Category:     category,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ProjectID:    req.ProjectID,
		ProjectName:  req.ProjectName,
		EmployeeName: req.EmployeeName,
		Status:       status,
	}, file, nil
}

func (a *API) getExpense(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	e, err := a.expenses.Get(r.Context(), id, actor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) updateExpense(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var file *receipts.File
	if body, ok := raw["receipt"]; ok {
		delete(raw, "receipt")
		var payload receiptPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, r, http.StatusBadRequest, "receipt: "+err.Error())
			return
		}
		if err := a.validate.Struct(payload); err != nil {
			writeError(w, r, http.StatusBadRequest, validationMessage(err))
			return
		}
		f, err := payload.file()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		file = f
	}
	patch, err := expense.ParsePatch(raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	e, err := a.expenses.Update(r.Context(), id, actor, patch, file)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) deleteExpense(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := a.expenses.Delete(r.Context(), id, actor); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request, id, action string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var (
		e   expense.Expense
		err error
	)
	switch action {
	case "submit":
		e, err = a.expenses.Submit(r.Context(), id, actor)
	case "approve":
		e, err = a.expenses.Approve(r.Context(), id, actor)
	case "reject":
		var req rejectRequest
		if !a.decodeOptional(w, r, &req) {
			return
		}
		e, err = a.expenses.Reject(r.Context(), id, actor, req.Reason)
	case "pay":
		e, err = a.expenses.MarkPaid(r.Context(), id, actor)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req bulkRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	op, err := bulk.ParseOp(req.Op)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	outcomes, err := a.bulk.Apply(r.Context(), req.IDs, op, actor)
	if pf, ok := bulk.IsPartialFailure(err); ok {
		writeJSON(w, http.StatusConflict, bulkResponse{
			Op:        op,
			Outcomes:  pf.Outcomes,
			Error:     pf.Error(),
			RequestID: audit.RequestIDFromContext(r.Context()),
		})
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkResponse{Op: op, Succeeded: true, Outcomes: outcomes})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	q, err := view.ParseValues(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := a.feed.Rows(r.Context(), actor, q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "expense.export", map[string]any{
		"rows":  len(rows),
		"query": q.Values().Encode(),
	})

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="expenses.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.CSV(rows))
}

// --- decoding and errors ---

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeValid decodes and validates dst, answering 400 on failure.
func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// decodeOptional is decodeValid for endpoints whose body may be omitted.
func (a *API) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	err := decodeJSON(r, dst)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, expense.ErrValidation),
		errors.Is(err, view.ErrInvalidQuery),
		errors.Is(err, membership.ErrInvalidProject),
		errors.Is(err, receipts.ErrInvalidFile):
		return http.StatusBadRequest
	case errors.Is(err, expense.ErrUnauthorized), errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, expense.ErrNotFound), errors.Is(err, membership.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, expense.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, expense.ErrAttachmentUpload):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		writeError(w, r, code, "internal error")
		return
	}
	writeError(w, r, code, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
