package auth

import "context"

// AccountStore persists accounts and their role assignments.
type AccountStore interface {
	// Create inserts a new account. It returns ErrConflict when the email is taken.
	Create(ctx context.Context, account *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	RoleExists(ctx context.Context, role string) (bool, error)
	// AddRole assigns role to the account. Assigning a held role is a no-op.
	AddRole(ctx context.Context, accountID, role string) error
	// Delete removes the account and its role assignments. Deleting an unknown
	// account returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// RefreshTokenStore persists refresh token records.
type RefreshTokenStore interface {
	// Create inserts a record. It returns ErrConflict on a duplicate token hash.
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Rotate marks the record identified by oldHash as used and inserts next in
	// a single atomic step. It returns ErrTokenUsed when the old record is no
	// longer unused, leaving the store unchanged.
	Rotate(ctx context.Context, oldHash string, next *RefreshToken) error
	// InvalidateAccount invalidates every outstanding record owned by accountID.
	InvalidateAccount(ctx context.Context, accountID string) (int64, error)
}
