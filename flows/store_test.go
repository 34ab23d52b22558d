package flows

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCorrelation() Correlation {
	return Correlation{
		FlowID:         "flow-1",
		ContinueURI:    "https://auth.example/continue/1",
		ContinueToken:  "secret",
		QuoteID:        "https://rs.example/quotes/1",
		QuoteExpiresAt: time.Now().Add(time.Minute).UTC().Truncate(time.Second),
		ReservationID:  "https://rs.example/incoming-payments/1",
		Payer:          models.WalletIdentity{IdentifierURL: "https://wallet.example/alice", AssetCode: "USD", AssetScale: 2, Role: models.RolePayer},
		Payee:          models.WalletIdentity{IdentifierURL: "https://wallet.example/shop", AssetCode: "USD", AssetScale: 2, Role: models.RolePayee},
		DebitAmount:    models.Amount{Value: "100", AssetCode: "USD", AssetScale: 2},
		ClientNonce:    "n1",
		FinishNonce:    "n2",
		GrantEndpoint:  "https://auth.example",
		ExpiresAt:      time.Now().Add(time.Minute).UTC().Truncate(time.Second),
	}
}

func storeContract(t *testing.T, newStore func(t *testing.T) CorrelationStore) {
	ctx := context.Background()

	t.Run("put get take", func(t *testing.T) {
		s := newStore(t)
		c := testCorrelation()
		require.NoError(t, s.Put(ctx, "token", c, time.Minute))

		got, err := s.Get(ctx, "token")
		require.NoError(t, err)
		assert.Equal(t, c, got)

		taken, err := s.Take(ctx, "token")
		require.NoError(t, err)
		assert.Equal(t, c, taken)

		_, err = s.Take(ctx, "token")
		assert.ErrorIs(t, err, ErrCorrelationNotFound)
		_, err = s.Get(ctx, "token")
		assert.ErrorIs(t, err, ErrCorrelationNotFound)
	})
	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "token", testCorrelation(), time.Minute))

		require.NoError(t, s.Delete(ctx, "token"))

		_, err := s.Get(ctx, "token")
		assert.ErrorIs(t, err, ErrCorrelationNotFound)
	})
	t.Run("zero ttl is not stored", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "token", testCorrelation(), 0))

		_, err := s.Get(ctx, "token")
		assert.ErrorIs(t, err, ErrCorrelationNotFound)
	})
	t.Run("only one concurrent take wins", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "token", testCorrelation(), time.Minute))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Take(ctx, "token"); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) CorrelationStore {
		s := NewMemoryStore(time.Minute)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})

	t.Run("entries expire", func(t *testing.T) {
		s := NewMemoryStore(10 * time.Millisecond)
		require.NoError(t, s.Put(context.Background(), "token", testCorrelation(), 20*time.Millisecond))

		assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
	})
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) CorrelationStore {
		server := miniredis.RunT(t)
		return NewRedisStore(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	})

	t.Run("entries expire", func(t *testing.T) {
		server := miniredis.RunT(t)
		s := NewRedisStore(redis.NewClient(&redis.Options{Addr: server.Addr()}))
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "token", testCorrelation(), time.Minute))

		server.FastForward(2 * time.Minute)

		_, err := s.Take(ctx, "token")
		assert.ErrorIs(t, err, ErrCorrelationNotFound)
	})
	t.Run("tokens are namespaced", func(t *testing.T) {
		server := miniredis.RunT(t)
		s := NewRedisStore(redis.NewClient(&redis.Options{Addr: server.Addr()}))
		require.NoError(t, s.Put(context.Background(), "token", testCorrelation(), time.Minute))

		assert.True(t, server.Exists("flows:correlation:token"))
		assert.False(t, server.Exists("token"))
	})
	t.Run("from url", func(t *testing.T) {
		server := miniredis.RunT(t)

		s, err := NewRedisStoreFromURL(context.Background(), "redis://"+server.Addr()+"/0")
		require.NoError(t, err)
		assert.NoError(t, s.Close())

		_, err = NewRedisStoreFromURL(context.Background(), "http://nope")
		assert.Error(t, err)
	})
}

func TestCorrelation_RemainingTTL(t *testing.T) {
	now := time.Now()
	c := Correlation{ExpiresAt: now.Add(time.Minute)}

	assert.Equal(t, time.Minute, c.RemainingTTL(now))
	assert.Equal(t, time.Duration(0), c.RemainingTTL(now.Add(2*time.Minute)))
}
