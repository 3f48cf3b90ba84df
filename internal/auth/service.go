package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const defaultStorageTimeout = 3 * time.Second

// Service composes the account store, token issuer and refresh ledger into
// the register, login, refresh and role-assignment operations.
//
// Validation and authentication failures come back inside AuthResult.Errors
// with a nil error. The error return is reserved for storage failures.
type Service struct {
	accounts       AccountStore
	ledger         *Ledger
	storageTimeout time.Duration
	hashPassword   func(string) (string, error)
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithStorageTimeout bounds every storage call made by the service.
func WithStorageTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.storageTimeout = d
		}
	}
}

// WithPasswordHasher overrides bcrypt hashing (tests use a cheaper cost).
func WithPasswordHasher(fn func(string) (string, error)) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.hashPassword = fn
		}
	}
}

// NewService constructs Service.
func NewService(accounts AccountStore, ledger *Ledger, opts ...ServiceOption) (*Service, error) {
	if accounts == nil {
		return nil, errors.New("auth: account store is required")
	}
	if ledger == nil {
		return nil, errors.New("auth: refresh ledger is required")
	}
	svc := &Service{
		accounts:       accounts,
		ledger:         ledger,
		storageTimeout: defaultStorageTimeout,
		hashPassword:   HashPassword,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Register creates an account without roles and issues its first token pair.
func (s *Service) Register(ctx context.Context, email, password string) (AuthResult, error) {
	return s.result(s.register(ctx, email, password))
}

func (s *Service) register(ctx context.Context, email, password string) (TokenPair, error) {
	if err := ValidateCredentials(email, password); err != nil {
		return TokenPair{}, err
	}
	hash, err := s.hashPassword(password)
	if err != nil {
		return TokenPair{}, hashFailure(err)
	}
	account := &Account{Email: normalizeEmail(email), PasswordHash: hash}

	sctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.accounts.Create(sctx, account); err != nil {
		if errors.Is(err, ErrConflict) {
			return TokenPair{}, authFailed(ReasonEmailTaken)
		}
		return TokenPair{}, storageError("create account", err)
	}
	pair, err := s.ledger.Issue(sctx, *account)
	if err != nil {
		return TokenPair{}, s.undoRegister(ctx, account.ID, err)
	}
	return pair, nil
}

// undoRegister removes an account whose first token pair could not be issued
// so the same email can register again.
func (s *Service) undoRegister(ctx context.Context, id string, cause error) error {
	dctx, cancel := s.bounded(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.accounts.Delete(dctx, id); err != nil {
		return errors.Join(cause, storageError("remove unissued account", err))
	}
	return cause
}

// Login verifies credentials and issues a fresh pair. Other outstanding
// pairs of the account stay valid.
func (s *Service) Login(ctx context.Context, email, password string) (AuthResult, error) {
	return s.result(s.login(ctx, email, password))
}

func (s *Service) login(ctx context.Context, email, password string) (TokenPair, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	account, err := s.accounts.FindByEmail(sctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		burnPasswordCheck(password)
		return TokenPair{}, authFailed(ReasonInvalidCredentials)
	}
	if err != nil {
		return TokenPair{}, storageError("find account", err)
	}
	if err := VerifyPassword(account.PasswordHash, password); err != nil {
		return TokenPair{}, authFailed(ReasonInvalidCredentials)
	}
	return s.ledger.Issue(sctx, *account)
}

// RefreshSession redeems refreshToken together with the access token it was
// issued alongside and returns the rotated pair.
func (s *Service) RefreshSession(ctx context.Context, accessToken, refreshToken string) (AuthResult, error) {
	sctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.result(s.ledger.Redeem(sctx, refreshToken, accessToken))
}

// AddRoleToAccount grants role to the account registered under email. It
// reports false when either is unknown. Granting a held role succeeds.
func (s *Service) AddRoleToAccount(ctx context.Context, email, role string) (bool, error) {
	err := s.addRole(ctx, email, role)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) addRole(ctx context.Context, email, role string) error {
	sctx, cancel := s.bounded(ctx)
	defer cancel()

	account, err := s.accounts.FindByEmail(sctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storageError("find account", err)
	}
	exists, err := s.accounts.RoleExists(sctx, role)
	if err != nil {
		return storageError("find role", err)
	}
	if !exists {
		return ErrNotFound
	}
	if account.HasRole(role) {
		return nil
	}
	if err := s.accounts.AddRole(sctx, account.ID, normalizeRole(role)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storageError("add role", err)
	}
	return nil
}

// Ledger exposes the refresh ledger backing the service.
func (s *Service) Ledger() *Ledger { return s.ledger }

// hashFailure reports a password the hasher refused as a validation failure.
func hashFailure(err error) error {
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return &ValidationError{Messages: []string{"password must be at most 72 bytes"}}
	}
	return &ValidationError{Messages: []string{"password could not be processed"}}
}

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storageTimeout)
}

func (s *Service) result(pair TokenPair, err error) (AuthResult, error) {
	if err == nil {
		return resultFromPair(pair), nil
	}
	if msgs, ok := FailureMessages(err); ok {
		return AuthResult{Errors: msgs}, nil
	}
	return AuthResult{}, err
}
