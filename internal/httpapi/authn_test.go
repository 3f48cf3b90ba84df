package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"tweetbook.app/internal/auth"
)

func protectedHandler(t *testing.T) http.Handler {
	t.Helper()
	api := &API{policies: newTestEvaluator(t)}
	mw, err := api.Protect(PolicyMustWorkForChapsas)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestProtectAllowsMatchingClaims(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithClaims(req.Context(), auth.Claims{Subject: "acc-1", Email: "bob@chapsas.com"}))

	rr := httptest.NewRecorder()
	protectedHandler(t).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestProtectRejectsOtherDomain(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithClaims(req.Context(), auth.Claims{Subject: "acc-1", Email: "bob@other.com"}))

	rr := httptest.NewRecorder()
	protectedHandler(t).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestProtectRejectsMissingClaims(t *testing.T) {
	rr := httptest.NewRecorder()
	protectedHandler(t).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestProtectUnknownPolicy(t *testing.T) {
	api := &API{policies: newTestEvaluator(t)}
	if _, err := api.Protect("MustWorkForSomeoneElse"); err == nil {
		t.Fatalf("expected unknown policy to be rejected")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"Bearer abc": true,
		"bearer abc": true,
		"Basic abc":  false,
		"Bearer   ":  false,
		"":           false,
		"Bear":       false,
	}
	for header, ok := range cases {
		_, err := extractBearerToken(header)
		if (err == nil) != ok {
			t.Fatalf("extractBearerToken(%q) err=%v, want ok=%v", header, err, ok)
		}
	}
}
