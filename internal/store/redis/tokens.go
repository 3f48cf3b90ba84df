// Package redis keeps refresh token records in Redis. Records expire with the
// token they describe; redemption uses WATCH/MULTI so a record is consumed at
// most once.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tweetbook.app/internal/auth"
)

const defaultPrefix = "tweetbook:refresh:"

type record struct {
	TokenHash   string    `json:"token_hash"`
	JTI         string    `json:"jti"`
	AccountID   string    `json:"account_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Used        bool      `json:"used"`
	Invalidated bool      `json:"invalidated"`
}

// TokenStore implements auth.RefreshTokenStore on Redis.
type TokenStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ auth.RefreshTokenStore = (*TokenStore)(nil)

// Option configures TokenStore.
type Option func(*TokenStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) Option {
	return func(s *TokenStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock overrides the time source used to derive key TTLs.
func WithClock(fn func() time.Time) Option {
	return func(s *TokenStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New wraps an existing client.
func New(client goredis.UniversalClient, opts ...Option) *TokenStore {
	s := &TokenStore{client: client, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int, opts ...Option) (*TokenStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, opts...), nil
}

func (s *TokenStore) Close() error { return s.client.Close() }

// Ping reports whether Redis is reachable.
func (s *TokenStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *TokenStore) tokenKey(hash string) string { return s.prefix + "token:" + hash }

func (s *TokenStore) accountKey(accountID string) string { return s.prefix + "account:" + accountID }

func (s *TokenStore) ttl(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *TokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	data, err := json.Marshal(toRecord(tok))
	if err != nil {
		return err
	}
	key := s.tokenKey(tok.TokenHash)
	ttl := s.ttl(tok.ExpiresAt)
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return auth.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if err := s.index(ctx, pipe, tok.AccountID, tok.TokenHash, ttl); err != nil {
				return err
			}
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		return auth.ErrConflict
	case errors.Is(err, auth.ErrConflict):
		return err
	default:
		// EXEC does not roll back a failed command; an unindexed record
		// would escape InvalidateAccount.
		if delErr := s.client.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			return errors.Join(err, delErr)
		}
		return err
	}
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

type indexer interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
}

func (s *TokenStore) index(ctx context.Context, c indexer, accountID, hash string, ttl time.Duration) error {
	key := s.accountKey(accountID)
	if err := c.SAdd(ctx, key, hash).Err(); err != nil {
		return err
	}
	// Every member has the same lifetime, so the newest one bounds the index.
	return c.Expire(ctx, key, ttl).Err()
}

func (s *TokenStore) Find(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	rec, err := s.load(ctx, s.client, s.tokenKey(tokenHash))
	if err != nil {
		return nil, err
	}
	return rec.toToken(), nil
}

func (s *TokenStore) load(ctx context.Context, c getter, key string) (record, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return record{}, auth.ErrNotFound
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("decode refresh token: %w", err)
	}
	return rec, nil
}

// Rotate marks oldHash used and stores next in one MULTI block. Any write to
// the old record between WATCH and EXEC can only be a competing redemption
// or an invalidation, so an aborted transaction reports ErrTokenUsed.
func (s *TokenStore) Rotate(ctx context.Context, oldHash string, next *auth.RefreshToken) error {
	oldKey := s.tokenKey(oldHash)
	newKey := s.tokenKey(next.TokenHash)
	nextData, err := json.Marshal(toRecord(next))
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		old, err := s.load(ctx, tx, oldKey)
		if err != nil {
			return err
		}
		if old.Used || old.Invalidated {
			return auth.ErrTokenUsed
		}
		exists, err := tx.Exists(ctx, newKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return auth.ErrConflict
		}
		old.Used = true
		oldData, err := json.Marshal(old)
		if err != nil {
			return err
		}
		ttl := s.ttl(next.ExpiresAt)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetArgs(ctx, oldKey, oldData, goredis.SetArgs{KeepTTL: true})
			pipe.Set(ctx, newKey, nextData, ttl)
			return s.index(ctx, pipe, next.AccountID, next.TokenHash, ttl)
		})
		return err
	}, oldKey, newKey)

	if errors.Is(err, goredis.TxFailedErr) {
		return auth.ErrTokenUsed
	}
	return err
}

func (s *TokenStore) InvalidateAccount(ctx context.Context, accountID string) (int64, error) {
	hashes, err := s.client.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, hash := range hashes {
		key := s.tokenKey(hash)
		changed := false
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			rec, err := s.load(ctx, tx, key)
			if err != nil {
				return err
			}
			if rec.Used || rec.Invalidated {
				return nil
			}
			rec.Invalidated = true
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.SetArgs(ctx, key, data, goredis.SetArgs{KeepTTL: true})
				return nil
			})
			changed = err == nil
			return err
		}, key)
		switch {
		case err == nil:
			if changed {
				n++
			}
		case errors.Is(err, auth.ErrNotFound), errors.Is(err, goredis.TxFailedErr):
			// expired, or consumed while we were looking
		default:
			return n, err
		}
	}
	return n, nil
}

func toRecord(t *auth.RefreshToken) record {
	return record{
		TokenHash:   t.TokenHash,
		JTI:         t.JTI,
		AccountID:   t.AccountID,
		CreatedAt:   t.CreatedAt,
		ExpiresAt:   t.ExpiresAt,
		Used:        t.Used,
		Invalidated: t.Invalidated,
	}
}

func (r record) toToken() *auth.RefreshToken {
	return &auth.RefreshToken{
		TokenHash:   r.TokenHash,
		JTI:         r.JTI,
		AccountID:   r.AccountID,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		Used:        r.Used,
		Invalidated: r.Invalidated,
	}
}
