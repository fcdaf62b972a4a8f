package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"claimdesk.org/internal/auth"
	"claimdesk.org/internal/bulk"
	"claimdesk.org/internal/expense"
	"claimdesk.org/internal/feed"
	"claimdesk.org/internal/membership"
	"claimdesk.org/internal/obs"
)

const serviceName = "claimdesk-api"

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the domain services behind the HTTP surface.
type Deps struct {
	Expenses *expense.Service
	Feed     *feed.Hub
	Bulk     *bulk.Coordinator
	Projects *membership.Directory
	Tokens   *auth.Tokens

	TokenTTL time.Duration
	// DevTokens exposes POST /v1/auth/token.
	DevTokens bool
}

// Options tune the middleware chain.
type Options struct {
	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
	CORSOrigins  []string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	expenses *expense.Service
	feed     *feed.Hub
	bulk     *bulk.Coordinator
	projects *membership.Directory
	tokens   *auth.Tokens
	tokenTTL time.Duration

	validate *validator.Validate

	rateBurst    int
	ratePerSec   float64
	maxBodyBytes int64
	corsOrigins  []string
}

func New(rp ReadyProbe, version string, deps Deps, opts Options) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		expenses:     deps.Expenses,
		feed:         deps.Feed,
		bulk:         deps.Bulk,
		projects:     deps.Projects,
		tokens:       deps.Tokens,
		tokenTTL:     deps.TokenTTL,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		rateBurst:    opts.RateBurst,
		ratePerSec:   opts.RatePerSec,
		maxBodyBytes: opts.MaxBodyBytes,
		corsOrigins:  opts.CORSOrigins,
	}
	a.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if a.tokenTTL <= 0 {
		a.tokenTTL = time.Hour
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 100
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 50
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 15 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	if deps.DevTokens {
		a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	}

	a.mux.HandleFunc("/v1/expenses", a.handleExpensesCollection)
	a.mux.HandleFunc("/v1/expenses/bulk", a.handleBulk)
	a.mux.HandleFunc("/v1/expenses/export.csv", a.handleExport)
	a.mux.HandleFunc("/v1/expenses/stream", a.Stream)
	a.mux.HandleFunc("/v1/expenses/", a.handleExpenseResource)

	a.mux.HandleFunc("/v1/projects", a.handleProjectsCollection)
	a.mux.HandleFunc("/v1/projects/", a.handleProjectResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
