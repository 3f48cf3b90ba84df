package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer     = "tweetbook"
	DefaultAccessTTL  = 5 * time.Minute
	DefaultRefreshTTL = 180 * 24 * time.Hour

	minSecretLength   = 32
	refreshTokenBytes = 32
)

// Settings is the token configuration fixed for the life of the process.
type Settings struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.Issuer) == "" {
		s.Issuer = DefaultIssuer
	}
	if s.AccessTTL <= 0 {
		s.AccessTTL = DefaultAccessTTL
	}
	if s.RefreshTTL <= 0 {
		s.RefreshTTL = DefaultRefreshTTL
	}
	return s
}

// Validate reports whether the settings can be used to sign tokens.
func (s Settings) Validate() error {
	if len(s.Secret) < minSecretLength {
		return fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLength)
	}
	if s.RefreshTTL <= s.AccessTTL {
		return errors.New("auth: refresh lifetime must exceed access lifetime")
	}
	return nil
}

// accessClaims is the JWT payload of an access token.
type accessClaims struct {
	Email string   `json:"email"`
	Roles []string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints HS256 access tokens and opaque refresh tokens. It holds no
// mutable state and is safe for concurrent use.
type Issuer struct {
	settings Settings
	now      func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerClock overrides the time source.
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer validates settings and constructs an Issuer.
func NewIssuer(settings Settings, opts ...IssuerOption) (*Issuer, error) {
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	secret := make([]byte, len(settings.Secret))
	copy(secret, settings.Secret)
	settings.Secret = secret

	iss := &Issuer{settings: settings, now: time.Now}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// IssueAccessToken signs a new access token for account with a fresh jti.
func (i *Issuer) IssueAccessToken(account Account, roles []string) (AccessToken, error) {
	if strings.TrimSpace(account.ID) == "" {
		return AccessToken{}, errors.New("auth: account id is required")
	}
	now := i.now().UTC().Truncate(time.Second)
	claims := accessClaims{
		Email: account.Email,
		Roles: dedupeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.settings.Issuer,
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.settings.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.settings.Secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return AccessToken{Token: signed, Claims: claims.toClaims()}, nil
}

// IssueRefreshToken generates an opaque refresh value bound to jti and the
// record to persist for it. The value itself is never stored.
func (i *Issuer) IssueRefreshToken(jti, accountID string) (string, RefreshToken, error) {
	if strings.TrimSpace(jti) == "" || strings.TrimSpace(accountID) == "" {
		return "", RefreshToken{}, errors.New("auth: jti and account id are required")
	}
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", RefreshToken{}, fmt.Errorf("auth: generate refresh token: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)
	now := i.now().UTC()
	return value, RefreshToken{
		TokenHash: HashRefreshToken(value),
		JTI:       jti,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(i.settings.RefreshTTL),
	}, nil
}

// ParseAccessToken verifies signature, issuer and lifetime of an access token.
func (i *Issuer) ParseAccessToken(token string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.settings.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	return i.parse(parser, token)
}

// ParseExpiredAccessToken verifies only the signature of an access token.
// Expiry is ignored; it is meant for refresh redemption.
func (i *Issuer) ParseExpiredAccessToken(token string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	return i.parse(parser, token)
}

func (i *Issuer) parse(parser *jwt.Parser, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, authFailed(ReasonInvalidToken)
	}
	var claims accessClaims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.settings.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, authFailed(ReasonInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return Claims{}, authFailed(ReasonInvalidToken)
	}
	return claims.toClaims(), nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.settings.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.settings.RefreshTTL }

// HashRefreshToken returns the storage key for an opaque refresh value.
func HashRefreshToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (c accessClaims) toClaims() Claims {
	out := Claims{
		Subject: c.Subject,
		Email:   c.Email,
		Roles:   dedupeRoles(c.Roles),
		JTI:     c.ID,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}
