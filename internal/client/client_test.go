package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/crypto/bcrypt"

	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/httpapi"
)

const testSecret = "0123456789abcdef0123456789abcdef-client"

var _ httpapi.Identity = (*Client)(nil)

func cheapHash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(h), err
}

func newTestClient(t *testing.T) *Client {
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
	eval, err := auth.NewEvaluator(auth.Policy{Name: httpapi.PolicyMustWorkForChapsas, Predicate: auth.EmailDomain("chapsas.com")})
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	api, err := httpapi.New(svc, issuer, eval, "test", httpapi.WithRateLimit(1000, 1000))
	if err != nil {
		t.Fatalf("httpapi.New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClientIdentityFlow(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	reg, err := c.Register(ctx, "worker@chapsas.com", "Password123!")
	if err != nil || !reg.Success() {
		t.Fatalf("Register: res=%+v err=%v", reg, err)
	}
	if err := c.Chapsas(ctx, reg.Token); err != nil {
		t.Fatalf("Chapsas: %v", err)
	}

	ok, err := c.AddRoleToAccount(ctx, "worker@chapsas.com", "Poster")
	if err != nil || !ok {
		t.Fatalf("AddRoleToAccount: ok=%v err=%v", ok, err)
	}
	ok, err = c.AddRoleToAccount(ctx, "worker@chapsas.com", "wizard")
	if err != nil || ok {
		t.Fatalf("unknown role: ok=%v err=%v", ok, err)
	}

	login, err := c.Login(ctx, "worker@chapsas.com", "Password123!")
	if err != nil || !login.Success() {
		t.Fatalf("Login: res=%+v err=%v", login, err)
	}
	refreshed, err := c.RefreshSession(ctx, login.Token, login.RefreshToken)
	if err != nil || !refreshed.Success() {
		t.Fatalf("RefreshSession: res=%+v err=%v", refreshed, err)
	}
	stale, err := c.RefreshSession(ctx, login.Token, login.RefreshToken)
	if err != nil {
		t.Fatalf("stale RefreshSession: %v", err)
	}
	if !slices.Equal(stale.Errors, []string{auth.ReasonAlreadyUsed}) {
		t.Fatalf("expected %q, got %+v", auth.ReasonAlreadyUsed, stale)
	}

	me, err := c.Me(ctx, refreshed.Token)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.Email != "worker@chapsas.com" || !slices.Contains(me.Roles, "poster") {
		t.Fatalf("unexpected profile: %+v", me)
	}
}

func TestClientFailuresMapToSentinels(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	bad, err := c.Login(ctx, "nouser@x.com", "anything")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !slices.Equal(bad.Errors, []string{auth.ReasonInvalidCredentials}) {
		t.Fatalf("unexpected login failure: %+v", bad)
	}

	outsider, err := c.Register(ctx, "outsider@other.com", "Password123!")
	if err != nil || !outsider.Success() {
		t.Fatalf("Register: res=%+v err=%v", outsider, err)
	}
	err = c.Chapsas(ctx, outsider.Token)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != textCodeForbidden || rich.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden envelope, got %+v", rich)
	}

	if _, err := c.Me(ctx, "not-a-jwt"); !errors.Is(err, auth.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClientStorageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"category":"internal","code":503,"text_code":"IDENTITY_STORAGE_UNAVAILABLE","message":"storage temporarily unavailable"}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Register(context.Background(), "a@b.com", "Password123!"); !errors.Is(err, auth.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if ok, err := c.AddRoleToAccount(context.Background(), "a@b.com", "admin"); ok || !errors.Is(err, auth.ErrStorage) {
		t.Fatalf("expected ErrStorage, got ok=%v err=%v", ok, err)
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New("localhost:8080"); err == nil {
		t.Fatalf("expected error for url without scheme")
	}
}
