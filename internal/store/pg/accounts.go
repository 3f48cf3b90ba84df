package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/ids"
)

type accountStore struct {
	db *sql.DB
}

var _ auth.AccountStore = (*accountStore)(nil)

func (s *accountStore) Create(ctx context.Context, account *auth.Account) error {
	if s.db == nil {
		return errNoDB
	}
	if account.ID == "" {
		account.ID = ids.New()
	}
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var created time.Time
	err = tx.QueryRowContext(ctx, `
		insert into accounts (id, email, password_hash)
		values ($1, $2, $3)
		returning created_at
	`, account.ID, account.Email, account.PasswordHash).Scan(&created)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	for _, role := range account.Roles {
		if err := insertRole(ctx, tx, account.ID, role); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	account.CreatedAt = created
	return nil
}

func (s *accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	return s.findBy(ctx, `where id = $1`, id)
}

func (s *accountStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return s.findBy(ctx, `where email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *accountStore) findBy(ctx context.Context, where string, arg string) (*auth.Account, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var acc auth.Account
	err := s.db.QueryRowContext(ctx, `
		select id, email, password_hash, created_at
		from accounts
		`+where, arg).Scan(&acc.ID, &acc.Email, &acc.PasswordHash, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select role
		from account_roles
		where account_id = $1
		order by role
	`, acc.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		acc.Roles = append(acc.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *accountStore) RoleExists(ctx context.Context, role string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from roles where name = $1)
	`, strings.ToLower(strings.TrimSpace(role))).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *accountStore) AddRole(ctx context.Context, accountID, role string) error {
	if s.db == nil {
		return errNoDB
	}
	return insertRole(ctx, s.db, accountID, role)
}

// Delete removes the account; roles and refresh tokens cascade.
func (s *accountStore) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from accounts where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRole(ctx context.Context, db execer, accountID, role string) error {
	_, err := db.ExecContext(ctx, `
		insert into account_roles (account_id, role)
		values ($1, $2)
		on conflict (account_id, role) do nothing
	`, accountID, strings.ToLower(strings.TrimSpace(role)))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return auth.ErrNotFound
	}
	return err
}
