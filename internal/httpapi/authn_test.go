package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"claimdesk.org/internal/auth"
)

func testActor(id, role string) auth.Actor {
	r, err := auth.ParseRole(role)
	if err != nil {
		panic(err)
	}
	return auth.Actor{ID: id, Role: r}
}

func newAuthAPI(t *testing.T) (*API, *auth.Tokens) {
	t.Helper()
	deps, _ := newTestDeps(t)
	return New(ReadyProbe{}, "test", deps, Options{RateBurst: 100, RatePerSec: 100}), deps.Tokens
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	api, _ := newAuthAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/expenses", nil)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestWithAuthRejectsForeignToken(t *testing.T) {
	api, _ := newAuthAPI(t)
	foreign, err := auth.NewTokens("another-secret")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	token, _, err := foreign.Generate(testActor("emp-1", "employee"), time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/expenses", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthAcceptsValidToken(t *testing.T) {
	api, tokens := newAuthAPI(t)
	token, _, err := tokens.Generate(testActor("emp-1", "employee"), time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/expenses", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPublicPathsSkipAuth(t *testing.T) {
	api, _ := newAuthAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		rr := httptest.NewRecorder()
		api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestEmployeesCannotListProjects(t *testing.T) {
	api, tokens := newAuthAPI(t)
	token, _, err := tokens.Generate(testActor("emp-1", "employee"), time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatal("empty header must fail")
	}
	if _, err := extractBearerToken("Basic abc"); err == nil {
		t.Fatal("basic scheme must fail")
	}
	tok, err := extractBearerToken("bearer   abc.def ")
	if err != nil || tok != "abc.def" {
		t.Fatalf("unexpected token %q err=%v", tok, err)
	}
}
