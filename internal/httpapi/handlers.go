package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/obs"
)

// PolicyMustWorkForChapsas guards the chapsas-only endpoint.
const PolicyMustWorkForChapsas = "MustWorkForChapsas"

// ReadinessChecker reports whether backing stores are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database and any extra dependencies.
type ReadyProbe struct {
	DB     *sql.DB
	Checks []func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	for _, check := range rp.Checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Identity is the account and session surface served over HTTP.
type Identity interface {
	Register(ctx context.Context, email, password string) (auth.AuthResult, error)
	Login(ctx context.Context, email, password string) (auth.AuthResult, error)
	RefreshSession(ctx context.Context, accessToken, refreshToken string) (auth.AuthResult, error)
	AddRoleToAccount(ctx context.Context, email, role string) (bool, error)
}

// Verifier decodes bearer access tokens.
type Verifier interface {
	ParseAccessToken(token string) (auth.Claims, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadinessChecker
	version    string
	identity   Identity
	verifier   Verifier
	policies   *auth.Evaluator
	rateBurst  int
	ratePerSec int
	maxBody    int64
}

// Option configures API.
type Option func(*API)

// WithReadiness sets the probe behind /readyz.
func WithReadiness(rp ReadinessChecker) Option {
	return func(a *API) {
		if rp != nil {
			a.readyProbe = rp
		}
	}
}

// WithRateLimit sets the per-client token bucket on identity endpoints.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// New wires the identity routes. Policies named by guarded routes are bound
// here, so an unknown policy fails construction.
func New(identity Identity, verifier Verifier, policies *auth.Evaluator, version string, opts ...Option) (*API, error) {
	if identity == nil || verifier == nil || policies == nil {
		return nil, errors.New("httpapi: identity, verifier and policies are required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: ReadyProbe{},
		version:    version,
		identity:   identity,
		verifier:   verifier,
		policies:   policies,
		rateBurst:  20,
		ratePerSec: 5,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	chapsasOnly, err := a.Protect(PolicyMustWorkForChapsas)
	if err != nil {
		return nil, err
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	limiter := newIPLimiter(a.rateBurst, a.ratePerSec)
	limit := func(h http.HandlerFunc) http.Handler {
		return limiter.middleware(MaxBodyBytes(h, a.maxBody))
	}
	a.mux.Handle("/api/v1/identity/register", limit(a.handleRegister))
	a.mux.Handle("/api/v1/identity/login", limit(a.handleLogin))
	a.mux.Handle("/api/v1/identity/refresh", limit(a.handleRefresh))
	a.mux.Handle("/api/v1/identity/addRole", limit(a.handleAddRole))
	a.mux.Handle("/api/v1/identity/me", a.authenticate(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/api/v1/identity/chapsas", a.authenticate(chapsasOnly(http.HandlerFunc(a.handleChapsas))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, newAPIError("resource not found", categoryNotFound, textCodeNotFound))
	})

	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tweetbook-identity",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
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
		"name":     "tweetbook-identity",
		"time":     time.Now().UTC().Format(time.RFC3339),
		"version":  a.version,
		"policies": a.policies.Names(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
