package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetbook.app/internal/auth"
)

func setupRedisTest(t *testing.T) (*TokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithKeyPrefix("test:")), mr
}

func newRecord(hash, accountID string, ttl time.Duration) *auth.RefreshToken {
	now := time.Now().UTC().Truncate(time.Second)
	return &auth.RefreshToken{
		TokenHash: hash,
		JTI:       "jti-" + hash,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestRedisTokenStore(t *testing.T) {
	store, mr := setupRedisTest(t)
	ctx := context.Background()

	t.Run("FindMissing", func(t *testing.T) {
		_, err := store.Find(ctx, "missing")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("CreateAndFind", func(t *testing.T) {
		rec := newRecord("h1", "acc-1", time.Hour)
		require.NoError(t, store.Create(ctx, rec))

		got, err := store.Find(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, rec.JTI, got.JTI)
		assert.Equal(t, "acc-1", got.AccountID)
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
		assert.False(t, got.Used)

		assert.ErrorIs(t, store.Create(ctx, rec), auth.ErrConflict)
	})

	t.Run("RecordExpires", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newRecord("short", "acc-1", 2*time.Second)))
		mr.FastForward(3 * time.Second)
		_, err := store.Find(ctx, "short")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("RotateOnce", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newRecord("r1", "acc-2", time.Hour)))
		require.NoError(t, store.Rotate(ctx, "r1", newRecord("r2", "acc-2", time.Hour)))

		old, err := store.Find(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, old.Used)
		assert.Greater(t, mr.TTL("test:token:r1"), time.Duration(0), "rotation must keep the old record's TTL")

		next, err := store.Find(ctx, "r2")
		require.NoError(t, err)
		assert.False(t, next.Used)

		err = store.Rotate(ctx, "r1", newRecord("r3", "acc-2", time.Hour))
		assert.ErrorIs(t, err, auth.ErrTokenUsed)
		_, err = store.Find(ctx, "r3")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("RotateUnknown", func(t *testing.T) {
		err := store.Rotate(ctx, "ghost", newRecord("g2", "acc-9", time.Hour))
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("InvalidateAccount", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, newRecord("i1", "acc-3", time.Hour)))
		require.NoError(t, store.Create(ctx, newRecord("i2", "acc-3", time.Hour)))
		require.NoError(t, store.Rotate(ctx, "i2", newRecord("i3", "acc-3", time.Hour)))

		n, err := store.InvalidateAccount(ctx, "acc-3")
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		for _, h := range []string{"i1", "i3"} {
			rec, err := store.Find(ctx, h)
			require.NoError(t, err)
			assert.True(t, rec.Invalidated, h)
		}
		err = store.Rotate(ctx, "i3", newRecord("i4", "acc-3", time.Hour))
		assert.ErrorIs(t, err, auth.ErrTokenUsed)
	})
}

func TestRedisLedgerSingleWinner(t *testing.T) {
	store, _ := setupRedisTest(t)
	ctx := context.Background()

	issuer, err := auth.NewIssuer(auth.Settings{Secret: []byte("0123456789abcdef0123456789abcdef-redis")})
	require.NoError(t, err)
	ledger, err := auth.NewLedger(store, issuer)
	require.NoError(t, err)

	pair, err := ledger.Issue(ctx, auth.Account{ID: "acc-1", Email: "alice@chapsas.com"})
	require.NoError(t, err)

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Redeem(ctx, pair.RefreshToken, pair.AccessToken)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, auth.ErrAuthFailed)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestRedisCreateLeavesNoUnindexedRecord(t *testing.T) {
	store, mr := setupRedisTest(t)
	ctx := context.Background()

	// A value of the wrong type under the index key makes SADD fail inside EXEC.
	require.NoError(t, mr.Set("test:account:acc-9", "not-a-set"))

	err := store.Create(ctx, newRecord("orphan", "acc-9", time.Hour))
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrConflict)

	_, err = store.Find(ctx, "orphan")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	assert.False(t, mr.Exists("test:token:orphan"))
}
