package pg

import (
	"context"
	"database/sql"
	"errors"

	"tweetbook.app/internal/auth"
)

type tokenStore struct {
	db *sql.DB
}

var _ auth.RefreshTokenStore = (*tokenStore)(nil)

func (s *tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	return insertToken(ctx, s.db, tok)
}

func (s *tokenStore) Find(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select token_hash, jti, account_id, created_at, expires_at, used, invalidated
		from refresh_tokens
		where token_hash = $1
	`, tokenHash).Scan(&tok.TokenHash, &tok.JTI, &tok.AccountID, &tok.CreatedAt, &tok.ExpiresAt, &tok.Used, &tok.Invalidated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Rotate marks oldHash used and stores next in one transaction. The
// conditional update is the single point that decides a redemption race.
func (s *tokenStore) Rotate(ctx context.Context, oldHash string, next *auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set used = true
		where token_hash = $1 and not used and not invalidated
	`, oldHash)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrTokenUsed
	}
	if err := insertToken(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *tokenStore) InvalidateAccount(ctx context.Context, accountID string) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set invalidated = true
		where account_id = $1 and not used and not invalidated
	`, accountID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func insertToken(ctx context.Context, db execer, tok *auth.RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (token_hash, jti, account_id, created_at, expires_at, used, invalidated)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.TokenHash, tok.JTI, tok.AccountID, tok.CreatedAt, tok.ExpiresAt, tok.Used, tok.Invalidated)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}
