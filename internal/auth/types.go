package auth

import (
	"slices"
	"strings"
	"time"
)

// Account is a registered identity. Email is stored normalized.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Roles        []string
	CreatedAt    time.Time
}

// HasRole reports whether the account already holds role.
func (a *Account) HasRole(role string) bool {
	return slices.Contains(a.Roles, normalizeRole(role))
}

// RefreshToken is the persisted record of an issued refresh token. Only the
// SHA-256 of the opaque value is stored.
type RefreshToken struct {
	TokenHash   string
	JTI         string
	AccountID   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
	Invalidated bool
}

// Redeemable reports whether the record may still be exchanged at now.
func (r *RefreshToken) Redeemable(now time.Time) bool {
	return !r.Used && !r.Invalidated && !now.After(r.ExpiresAt)
}

// Claims is the decoded content of an access token.
type Claims struct {
	Subject   string
	Email     string
	Roles     []string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the claim set carries role.
func (c Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, normalizeRole(role))
}

// AccessToken is a signed access token and the claims it carries.
type AccessToken struct {
	Token  string
	Claims Claims
}

// TokenPair is an access token together with the refresh token bound to it.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AuthResult is what register, login and refresh hand back to the request layer.
type AuthResult struct {
	Token        string   `json:"token,omitempty"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// Success reports whether the result carries a token pair.
func (r AuthResult) Success() bool {
	return len(r.Errors) == 0 && r.Token != ""
}

func resultFromPair(pair TokenPair) AuthResult {
	return AuthResult{Token: pair.AccessToken, RefreshToken: pair.RefreshToken}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = normalizeRole(role)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
