package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"tweetbook.app/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef-http"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *auth.MemoryStore
}

func cheapHash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(h), err
}

func newTestEvaluator(t *testing.T) *auth.Evaluator {
	t.Helper()
	eval, err := auth.NewEvaluator(auth.Policy{Name: PolicyMustWorkForChapsas, Predicate: auth.EmailDomain("chapsas.com")})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return eval
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	store := auth.NewMemoryStore()
	issuer, err := auth.NewIssuer(auth.Settings{Secret: []byte(testSecret)})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	ledger, err := auth.NewLedger(store.RefreshTokens(), issuer, auth.WithAccountLookup(store.Accounts()))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	svc, err := auth.NewService(store.Accounts(), ledger, auth.WithPasswordHasher(cheapHash))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	opts = append([]Option{WithRateLimit(1000, 1000)}, opts...)
	api, err := New(svc, issuer, newTestEvaluator(t), "test", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, store: store}
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
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, "")
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

func TestRegisterRefreshFlow(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/api/v1/identity/register", credentialsRequest{Email: "alice@chapsas.com", Password: "Secret123!"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status %d", resp.StatusCode)
	}
	first := decode[authSuccessResponse](t, resp)
	if first.Token == "" || first.RefreshToken == "" {
		t.Fatalf("expected token pair, got %+v", first)
	}

	resp = c.post("/api/v1/identity/refresh", refreshRequest{Token: first.Token, RefreshToken: first.RefreshToken})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp.StatusCode)
	}
	second := decode[authSuccessResponse](t, resp)
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected rotated refresh token")
	}

	resp = c.post("/api/v1/identity/refresh", refreshRequest{Token: first.Token, RefreshToken: first.RefreshToken})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("stale refresh status %d", resp.StatusCode)
	}
	failed := decode[authFailedResponse](t, resp)
	if len(failed.Errors) != 1 || failed.Errors[0] != auth.ReasonAlreadyUsed {
		t.Fatalf("unexpected errors: %v", failed.Errors)
	}
}

func TestRegisterValidationErrors(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/api/v1/identity/register", credentialsRequest{Email: "nope", Password: "short"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decode[authFailedResponse](t, resp); len(body.Errors) == 0 {
		t.Fatalf("expected validation messages")
	}

	resp = c.post("/api/v1/identity/register", map[string]any{"email": "a@b.com", "password": "Secret123!", "extra": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLoginFailuresMatch(t *testing.T) {
	c := newTestAPI(t)
	c.post("/api/v1/identity/register", credentialsRequest{Email: "user@x.com", Password: "Secret123!"}).Body.Close()

	wrong := c.post("/api/v1/identity/login", credentialsRequest{Email: "user@x.com", Password: "wrongpass"})
	missing := c.post("/api/v1/identity/login", credentialsRequest{Email: "nouser@x.com", Password: "anything"})
	if wrong.StatusCode != http.StatusBadRequest || missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected statuses %d %d", wrong.StatusCode, missing.StatusCode)
	}
	a := decode[authFailedResponse](t, wrong)
	b := decode[authFailedResponse](t, missing)
	if len(a.Errors) != 1 || len(b.Errors) != 1 || a.Errors[0] != b.Errors[0] {
		t.Fatalf("login failures differ: %v vs %v", a.Errors, b.Errors)
	}

	ok := c.post("/api/v1/identity/login", credentialsRequest{Email: "user@x.com", Password: "Secret123!"})
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("expected login success, got %d", ok.StatusCode)
	}
	ok.Body.Close()
}

func TestAddRoleEndpoint(t *testing.T) {
	c := newTestAPI(t)
	c.post("/api/v1/identity/register", credentialsRequest{Email: "bob@chapsas.com", Password: "Secret123!"}).Body.Close()

	for i := 0; i < 2; i++ {
		resp := c.post("/api/v1/identity/addRole", addRoleRequest{UserEmail: "bob@chapsas.com", RoleName: "admin"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("addRole #%d status %d", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := c.post("/api/v1/identity/addRole", addRoleRequest{UserEmail: "bob@chapsas.com", RoleName: "wizard"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", resp.StatusCode)
	}
	model := decode[errorModel](t, resp)
	if model.FieldName == "" || model.Message == "" {
		t.Fatalf("expected error model, got %+v", model)
	}
}

func TestPolicyProtectedEndpoint(t *testing.T) {
	c := newTestAPI(t)

	inside := decode[authSuccessResponse](t, c.post("/api/v1/identity/register", credentialsRequest{Email: "bob@chapsas.com", Password: "Secret123!"}))
	outside := decode[authSuccessResponse](t, c.post("/api/v1/identity/register", credentialsRequest{Email: "bob@other.com", Password: "Secret123!"}))

	resp := c.do(http.MethodGet, "/api/v1/identity/chapsas", nil, inside.Token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for chapsas employee, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/api/v1/identity/chapsas", nil, outside.Token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d", resp.StatusCode)
	}
	problem := decode[problemResponse](t, resp)
	if problem.Error.TextCode != textCodeForbidden {
		t.Fatalf("unexpected text code %q", problem.Error.TextCode)
	}

	resp = c.do(http.MethodGet, "/api/v1/identity/chapsas", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMeReturnsClaims(t *testing.T) {
	c := newTestAPI(t)
	pair := decode[authSuccessResponse](t, c.post("/api/v1/identity/register", credentialsRequest{Email: "carol@example.com", Password: "Secret123!"}))

	resp := c.do(http.MethodGet, "/api/v1/identity/me", nil, pair.Token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	me := decode[meResponse](t, resp)
	if me.Email != "carol@example.com" || me.ID == "" || len(me.Roles) != 0 {
		t.Fatalf("unexpected identity: %+v", me)
	}

	resp = c.do(http.MethodGet, "/api/v1/identity/me", nil, pair.RefreshToken)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh value must not authenticate, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/api/v1/identity/login", nil, "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header")
	}
	resp.Body.Close()
}

type storageDownIdentity struct{}

func (storageDownIdentity) Register(context.Context, string, string) (auth.AuthResult, error) {
	return auth.AuthResult{}, errors.Join(auth.ErrStorage, errors.New("dial tcp: connection refused"))
}

func (storageDownIdentity) Login(context.Context, string, string) (auth.AuthResult, error) {
	return auth.AuthResult{}, auth.ErrStorage
}

func (storageDownIdentity) RefreshSession(context.Context, string, string) (auth.AuthResult, error) {
	return auth.AuthResult{}, auth.ErrStorage
}

func (storageDownIdentity) AddRoleToAccount(context.Context, string, string) (bool, error) {
	return false, auth.ErrStorage
}

func TestStorageFailureHidesCause(t *testing.T) {
	issuer, _ := auth.NewIssuer(auth.Settings{Secret: []byte(testSecret)})
	api, err := New(storageDownIdentity{}, issuer, newTestEvaluator(t), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	body, _ := json.Marshal(credentialsRequest{Email: "a@b.com", Password: "Secret123!"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/identity/register", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("connection refused")) {
		t.Fatalf("storage cause leaked: %s", rr.Body.String())
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestNewRejectsMissingPolicy(t *testing.T) {
	issuer, _ := auth.NewIssuer(auth.Settings{Secret: []byte(testSecret)})
	empty, err := auth.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	if _, err := New(storageDownIdentity{}, issuer, empty, "test"); err == nil {
		t.Fatalf("expected unknown policy to fail construction")
	}
}

func TestReadyReportsProbeFailure(t *testing.T) {
	issuer, _ := auth.NewIssuer(auth.Settings{Secret: []byte(testSecret)})
	probe := ReadyProbe{Checks: []func(context.Context) error{
		func(context.Context) error { return errors.New("redis down") },
	}}
	api, err := New(storageDownIdentity{}, issuer, newTestEvaluator(t), "test", WithReadiness(probe))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestBodyLimitFollowsConfiguration(t *testing.T) {
	// Just over the default 1 MiB cap so the server can drain the remainder.
	big := credentialsRequest{Email: "big@chapsas.com", Password: "Aa1!" + strings.Repeat("x", 1<<20+64<<10)}

	c := newTestAPI(t)
	resp := c.post("/api/v1/identity/register", big)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	failed := decode[authFailedResponse](t, resp)
	if len(failed.Errors) != 1 || !strings.Contains(failed.Errors[0], "too large") {
		t.Fatalf("expected body size rejection under the default cap, got %v", failed.Errors)
	}

	c = newTestAPI(t, WithMaxBodyBytes(4<<20))
	resp = c.post("/api/v1/identity/register", big)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	failed = decode[authFailedResponse](t, resp)
	if len(failed.Errors) != 1 || failed.Errors[0] != "password must be at most 72 bytes" {
		t.Fatalf("expected the body to decode under a larger cap, got %v", failed.Errors)
	}
}
