package auth

import (
	"context"
	"errors"
	"time"
)

// RedemptionObserver is notified of every redemption outcome. reason is empty
// on success.
type RedemptionObserver func(reason string)

// OutcomeRevocationFailed is reported to the observer, in addition to the
// redemption outcome, when reuse revocation could not invalidate the family.
const OutcomeRevocationFailed = "revocation_failed"

// FailureLogger receives errors the ledger handles without returning them.
type FailureLogger func(msg string, err error, fields map[string]any)

// Ledger persists refresh token records and enforces single-use redemption.
type Ledger struct {
	store         RefreshTokenStore
	issuer        *Issuer
	accounts      AccountStore
	now           func() time.Time
	revokeOnReuse bool
	observe       RedemptionObserver
	logFailure    FailureLogger
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the time source used for expiry checks.
func WithLedgerClock(fn func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithReuseRevocation invalidates every outstanding refresh token of an
// account when one of its already-used tokens is presented again.
func WithReuseRevocation(enabled bool) LedgerOption {
	return func(l *Ledger) { l.revokeOnReuse = enabled }
}

// WithAccountLookup makes redemption re-read the account so role changes are
// reflected in the rotated access token.
func WithAccountLookup(accounts AccountStore) LedgerOption {
	return func(l *Ledger) { l.accounts = accounts }
}

// WithRedemptionObserver registers a callback for redemption outcomes.
func WithRedemptionObserver(fn RedemptionObserver) LedgerOption {
	return func(l *Ledger) { l.observe = fn }
}

// WithFailureLogger registers a sink for failures that do not change the
// redemption result, such as a failed reuse revocation.
func WithFailureLogger(fn FailureLogger) LedgerOption {
	return func(l *Ledger) { l.logFailure = fn }
}

// NewLedger constructs a Ledger over store, minting replacements with issuer.
func NewLedger(store RefreshTokenStore, issuer *Issuer, opts ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("auth: refresh token store is required")
	}
	if issuer == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	l := &Ledger{store: store, issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Persist stores a freshly issued record.
func (l *Ledger) Persist(ctx context.Context, record *RefreshToken) error {
	if err := l.store.Create(ctx, record); err != nil {
		return storageError("persist refresh token", err)
	}
	return nil
}

// Issue mints an access token and its bound refresh token for account and
// persists the refresh record.
func (l *Ledger) Issue(ctx context.Context, account Account) (TokenPair, error) {
	pair, record, err := l.mint(account)
	if err != nil {
		return TokenPair{}, err
	}
	if err := l.Persist(ctx, &record); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Redeem exchanges a refresh value and the access token it was issued with
// for a new pair. The presented record is consumed exactly once; concurrent
// redemptions of the same value see one success and AuthFailed("already used")
// for the rest.
func (l *Ledger) Redeem(ctx context.Context, refreshValue, accessToken string) (TokenPair, error) {
	pair, err := l.redeem(ctx, refreshValue, accessToken)
	if l.observe != nil {
		var aerr *AuthFailedError
		switch {
		case err == nil:
			l.observe("")
		case errors.As(err, &aerr):
			l.observe(aerr.Reason)
		default:
			l.observe("error")
		}
	}
	return pair, err
}

func (l *Ledger) redeem(ctx context.Context, refreshValue, accessToken string) (TokenPair, error) {
	claims, err := l.issuer.ParseExpiredAccessToken(accessToken)
	if err != nil {
		return TokenPair{}, err
	}
	if refreshValue == "" {
		return TokenPair{}, authFailed(ReasonTokenNotFound)
	}
	hash := HashRefreshToken(refreshValue)
	record, err := l.store.Find(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, authFailed(ReasonTokenNotFound)
	}
	if err != nil {
		return TokenPair{}, storageError("find refresh token", err)
	}
	if record.Used || record.Invalidated {
		l.handleReuse(ctx, record)
		return TokenPair{}, authFailed(ReasonAlreadyUsed)
	}
	if l.now().After(record.ExpiresAt) {
		return TokenPair{}, authFailed(ReasonExpired)
	}
	if record.JTI != claims.JTI {
		return TokenPair{}, authFailed(ReasonPairMismatch)
	}
	if record.AccountID != claims.Subject {
		return TokenPair{}, authFailed(ReasonOwnerMismatch)
	}

	account := Account{ID: claims.Subject, Email: claims.Email, Roles: claims.Roles}
	if l.accounts != nil {
		current, err := l.accounts.Find(ctx, claims.Subject)
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, authFailed(ReasonOwnerMismatch)
		}
		if err != nil {
			return TokenPair{}, storageError("find account", err)
		}
		account = *current
	}

	pair, next, err := l.mint(account)
	if err != nil {
		return TokenPair{}, err
	}
	if err := l.store.Rotate(ctx, hash, &next); err != nil {
		if errors.Is(err, ErrTokenUsed) {
			return TokenPair{}, authFailed(ReasonAlreadyUsed)
		}
		return TokenPair{}, storageError("rotate refresh token", err)
	}
	return pair, nil
}

// RevokeAccount invalidates every outstanding refresh token of accountID.
func (l *Ledger) RevokeAccount(ctx context.Context, accountID string) (int64, error) {
	n, err := l.store.InvalidateAccount(ctx, accountID)
	if err != nil {
		return 0, storageError("invalidate refresh tokens", err)
	}
	return n, nil
}

func (l *Ledger) handleReuse(ctx context.Context, record *RefreshToken) {
	if !l.revokeOnReuse || !record.Used {
		return
	}
	// The caller still gets AuthFailed("already used").
	if _, err := l.store.InvalidateAccount(ctx, record.AccountID); err != nil {
		if l.observe != nil {
			l.observe(OutcomeRevocationFailed)
		}
		if l.logFailure != nil {
			l.logFailure("refresh token reuse revocation failed", storageError("invalidate refresh tokens", err), map[string]any{
				"account_id": record.AccountID,
			})
		}
	}
}

func (l *Ledger) mint(account Account) (TokenPair, RefreshToken, error) {
	access, err := l.issuer.IssueAccessToken(account, account.Roles)
	if err != nil {
		return TokenPair{}, RefreshToken{}, err
	}
	value, record, err := l.issuer.IssueRefreshToken(access.Claims.JTI, account.ID)
	if err != nil {
		return TokenPair{}, RefreshToken{}, err
	}
	return TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     value,
		AccessExpiresAt:  access.Claims.ExpiresAt,
		RefreshExpiresAt: record.ExpiresAt,
	}, record, nil
}
