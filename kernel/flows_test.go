package kernel

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	natsServer "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func privateKeyPEM(t *testing.T) string {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func flowEnv(t *testing.T) map[string]string {
	env := validEnv()
	env["DATABASE_DSN"] = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	env["PAYER_PRIVATE_KEY"] = privateKeyPEM(t)
	env["PAYEE_PRIVATE_KEY"] = privateKeyPEM(t)
	return env
}

func runNats(t *testing.T) string {
	s, err := natsServer.NewServer(&natsServer.Options{
		Host:   "127.0.0.1",
		Port:   natsServer.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Shutdown)
	require.True(t, s.ReadyForConnections(5*time.Second))
	return s.ClientURL()
}

func TestPrepareFlows(t *testing.T) {
	t.Run("memory store", func(t *testing.T) {
		art, err := ParseConfig(flowEnv(t))
		require.NoError(t, err)
		require.NoError(t, art.PrepareDatabase())

		require.NoError(t, art.PrepareFlows())
		defer art.Close()

		assert.NotNil(t, art.Flows)
		assert.NotNil(t, art.Wallets)
		assert.Len(t, art.closers, 1)

		expired, err := art.Flows.ExpireAbandoned(context.Background())
		require.NoError(t, err)
		assert.Zero(t, expired)
	})
	t.Run("redis store and nats", func(t *testing.T) {
		redisServer := miniredis.RunT(t)
		env := flowEnv(t)
		env["STORE_BACKEND"] = StoreRedis
		env["REDIS_URL"] = fmt.Sprintf("redis://%s/0", redisServer.Addr())
		env["NATS_URL"] = runNats(t)
		env["WEBHOOK_URL"] = "https://hooks.example/flows"
		art, err := ParseConfig(env)
		require.NoError(t, err)
		require.NoError(t, art.PrepareDatabase())

		require.NoError(t, art.PrepareFlows())

		assert.Len(t, art.closers, 2)
		art.Close()
	})
	t.Run("needs a database", func(t *testing.T) {
		art, err := ParseConfig(flowEnv(t))
		require.NoError(t, err)

		assert.Error(t, art.PrepareFlows())
	})
	t.Run("bad key", func(t *testing.T) {
		env := flowEnv(t)
		env["PAYEE_PRIVATE_KEY"] = "/does/not/exist.pem"
		art, err := ParseConfig(env)
		require.NoError(t, err)
		require.NoError(t, art.PrepareDatabase())

		err = art.PrepareFlows()

		assert.ErrorContains(t, err, "payee credentials")
	})
}

func TestRunReaper(t *testing.T) {
	env := flowEnv(t)
	env["REAPER_INTERVAL"] = "1s"
	art, err := ParseConfig(env)
	require.NoError(t, err)
	require.NoError(t, art.PrepareDatabase())
	require.NoError(t, art.PrepareFlows())
	defer art.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		art.RunReaper(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
