package auth

import (
	"context"
	"slices"
	"sync"
	"time"

	"tweetbook.app/internal/ids"
)

// BuiltinRoles are the roles known to a fresh store.
var BuiltinRoles = []string{"admin", "poster"}

// MemoryStore keeps accounts and refresh tokens in process memory.
type MemoryStore struct {
	accounts *memoryAccounts
	tokens   *memoryTokens
}

// NewMemoryStore creates an empty store knowing roles (BuiltinRoles when none
// are given).
func NewMemoryStore(roles ...string) *MemoryStore {
	if len(roles) == 0 {
		roles = BuiltinRoles
	}
	accounts := &memoryAccounts{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
		roles:   make(map[string]struct{}),
	}
	for _, r := range dedupeRoles(roles) {
		accounts.roles[r] = struct{}{}
	}
	return &MemoryStore{
		accounts: accounts,
		tokens:   &memoryTokens{byHash: make(map[string]*RefreshToken)},
	}
}

func (s *MemoryStore) Accounts() AccountStore { return s.accounts }

func (s *MemoryStore) RefreshTokens() RefreshTokenStore { return s.tokens }

// Accounts ------------------------------------------------------------------
type memoryAccounts struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byEmail map[string]string // normalized email -> id
	roles   map[string]struct{}
}

func (s *memoryAccounts) Create(ctx context.Context, account *Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	email := normalizeEmail(account.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[email]; taken {
		return ErrConflict
	}
	if account.ID == "" {
		account.ID = ids.New()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.Email = email
	account.Roles = dedupeRoles(account.Roles)
	s.byID[account.ID] = cloneAccount(account)
	s.byEmail[email] = account.ID
	return nil
}

func (s *memoryAccounts) Find(ctx context.Context, id string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(acc), nil
}

func (s *memoryAccounts) FindByEmail(ctx context.Context, email string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(s.byID[id]), nil
}

func (s *memoryAccounts) RoleExists(ctx context.Context, role string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.roles[normalizeRole(role)]
	return ok, nil
}

func (s *memoryAccounts) AddRole(ctx context.Context, accountID, role string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	role = normalizeRole(role)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role]; !ok {
		return ErrNotFound
	}
	acc, ok := s.byID[accountID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(acc.Roles, role) {
		acc.Roles = append(acc.Roles, role)
	}
	return nil
}

func (s *memoryAccounts) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byEmail, acc.Email)
	delete(s.byID, id)
	return nil
}

// Refresh tokens ------------------------------------------------------------
type memoryTokens struct {
	mu     sync.Mutex
	byHash map[string]*RefreshToken
}

func (s *memoryTokens) Create(ctx context.Context, tok *RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byHash[tok.TokenHash]; dup {
		return ErrConflict
	}
	cp := *tok
	s.byHash[tok.TokenHash] = &cp
	return nil
}

func (s *memoryTokens) Find(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *memoryTokens) Rotate(ctx context.Context, oldHash string, next *RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byHash[oldHash]
	if !ok {
		return ErrNotFound
	}
	if old.Used || old.Invalidated {
		return ErrTokenUsed
	}
	if _, dup := s.byHash[next.TokenHash]; dup {
		return ErrConflict
	}
	old.Used = true
	cp := *next
	s.byHash[next.TokenHash] = &cp
	return nil
}

func (s *memoryTokens) InvalidateAccount(ctx context.Context, accountID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tok := range s.byHash {
		if tok.AccountID == accountID && !tok.Used && !tok.Invalidated {
			tok.Invalidated = true
			n++
		}
	}
	return n, nil
}

func cloneAccount(a *Account) *Account {
	cp := *a
	cp.Roles = slices.Clone(a.Roles)
	return &cp
}
