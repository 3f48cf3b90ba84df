package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"tweetbook.app/internal/auth"
)

var (
	ErrForbidden   = errors.New("client: access denied by policy")
	ErrRateLimited = errors.New("client: rate limited")
	ErrUnexpected  = errors.New("client: unexpected response")
)

// Text codes of the server's error envelope.
const (
	textCodeUnauthenticated = "IDENTITY_UNAUTHENTICATED"
	textCodeForbidden       = "IDENTITY_FORBIDDEN"
	textCodeNotFound        = "IDENTITY_NOT_FOUND"
	textCodeRateLimited     = "IDENTITY_RATE_LIMITED"
	textCodeStorage         = "IDENTITY_STORAGE_UNAVAILABLE"
)

const maxResponseBytes = 1 << 20

// Client calls the identity HTTP API. It has the same method set as the
// service it fronts, so callers can swap one for the other.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the API served at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q needs a scheme and host", baseURL)
	}
	c := &Client{
		baseURL: u.String(),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Profile is the caller's identity as reported by /me.
type Profile struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshBody struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type addRoleBody struct {
	UserEmail string `json:"userEmail"`
	RoleName  string `json:"roleName"`
}

type authBody struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refreshToken"`
	Errors       []string `json:"errors"`
}

type problem struct {
	Error struct {
		TextCode string `json:"text_code"`
		Message  string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *Client) Register(ctx context.Context, email, password string) (auth.AuthResult, error) {
	return c.authCall(ctx, "/api/v1/identity/register", credentials{Email: email, Password: password})
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.AuthResult, error) {
	return c.authCall(ctx, "/api/v1/identity/login", credentials{Email: email, Password: password})
}

func (c *Client) RefreshSession(ctx context.Context, accessToken, refreshToken string) (auth.AuthResult, error) {
	return c.authCall(ctx, "/api/v1/identity/refresh", refreshBody{Token: accessToken, RefreshToken: refreshToken})
}

// AddRoleToAccount reports false when the server rejects the account or role.
func (c *Client) AddRoleToAccount(ctx context.Context, email, role string) (bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/identity/addRole", "", addRoleBody{UserEmail: email, RoleName: role})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusBadRequest:
		var body struct {
			FieldName string `json:"fieldName"`
		}
		raw, err := readBody(resp)
		if err != nil {
			return false, err
		}
		if json.Unmarshal(raw, &body) == nil && body.FieldName != "" {
			return false, nil
		}
		return false, problemError(resp.StatusCode, raw)
	default:
		raw, err := readBody(resp)
		if err != nil {
			return false, err
		}
		return false, problemError(resp.StatusCode, raw)
	}
}

// Me returns the profile behind accessToken.
func (c *Client) Me(ctx context.Context, accessToken string) (Profile, error) {
	var p Profile
	err := c.getJSON(ctx, "/api/v1/identity/me", accessToken, &p)
	return p, err
}

// Chapsas calls the endpoint guarded by the MustWorkForChapsas policy.
// A denied caller gets ErrForbidden.
func (c *Client) Chapsas(ctx context.Context, accessToken string) error {
	return c.getJSON(ctx, "/api/v1/identity/chapsas", accessToken, nil)
}

func (c *Client) authCall(ctx context.Context, path string, body any) (auth.AuthResult, error) {
	resp, err := c.do(ctx, http.MethodPost, path, "", body)
	if err != nil {
		return auth.AuthResult{}, err
	}
	defer resp.Body.Close()
	raw, err := readBody(resp)
	if err != nil {
		return auth.AuthResult{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return auth.AuthResult{}, problemError(resp.StatusCode, raw)
	}
	var out authBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return auth.AuthResult{}, fmt.Errorf("%w: decode %s: %v", ErrUnexpected, path, err)
	}
	if resp.StatusCode == http.StatusBadRequest {
		if len(out.Errors) == 0 {
			return auth.AuthResult{}, problemError(resp.StatusCode, raw)
		}
		return auth.AuthResult{Errors: out.Errors}, nil
	}
	return auth.AuthResult{Token: out.Token, RefreshToken: out.RefreshToken}, nil
}

func (c *Client) getJSON(ctx context.Context, path, token string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := readBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return problemError(resp.StatusCode, raw)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnexpected, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	return raw, nil
}

// problemError turns the server's error envelope into an error that matches
// the auth sentinel for its text code and unwraps to a *goerrors.Error.
func problemError(status int, raw []byte) error {
	var p problem
	if err := json.Unmarshal(raw, &p); err != nil || p.Error.TextCode == "" {
		return fmt.Errorf("%w: status %d", ErrUnexpected, status)
	}
	rich := goerrors.New(p.Error.Message, categoryFor(status)).
		WithCode(status).
		WithTextCode(p.Error.TextCode)
	return fmt.Errorf("%w: %w", sentinelFor(p.Error.TextCode), rich)
}

func categoryFor(status int) goerrors.Category {
	switch status {
	case http.StatusBadRequest:
		return goerrors.CategoryBadInput
	case http.StatusUnauthorized:
		return goerrors.CategoryAuth
	case http.StatusForbidden:
		return goerrors.CategoryAuthz
	case http.StatusNotFound:
		return goerrors.CategoryNotFound
	case http.StatusConflict:
		return goerrors.CategoryConflict
	case http.StatusTooManyRequests:
		return goerrors.CategoryRateLimit
	default:
		return goerrors.CategoryInternal
	}
}

func sentinelFor(textCode string) error {
	switch textCode {
	case textCodeUnauthenticated:
		return auth.ErrAuthFailed
	case textCodeForbidden:
		return ErrForbidden
	case textCodeNotFound:
		return auth.ErrNotFound
	case textCodeRateLimited:
		return ErrRateLimited
	case textCodeStorage:
		return auth.ErrStorage
	default:
		return ErrUnexpected
	}
}
