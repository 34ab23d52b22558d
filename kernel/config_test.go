package kernel

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func validEnv() map[string]string {
	return map[string]string{
		"DATABASE_DRIVER":      "sqlite",
		"DATABASE_DSN":         "file::memory:",
		"PAYER_WALLET_ADDRESS": "https://wallet.example/alice",
		"PAYER_KEY_ID":         "alice-key",
		"PAYER_PRIVATE_KEY":    "/keys/alice.pem",
		"PAYEE_WALLET_ADDRESS": "https://wallet.example/shop",
		"PAYEE_KEY_ID":         "shop-key",
		"PAYEE_PRIVATE_KEY":    "/keys/shop.pem",
		"CALLBACK_BASE_URL":    "https://pay.example",
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		art, err := ParseConfig(validEnv())

		require.NoError(t, err)
		assert.Equal(t, ":8080", art.Host)
		assert.Equal(t, StoreMemory, art.StoreBackend)
		assert.Equal(t, 30*time.Second, art.HTTPTimeout)
		assert.Equal(t, 15*time.Minute, art.FlowTTL)
		assert.Equal(t, time.Minute, art.WalletCacheTTL)
		assert.Equal(t, uint(5), art.WebhookMaxAttempts)
		assert.Equal(t, 30*time.Second, art.EventPublishTimeout)
		assert.False(t, art.StrictMode)
		assert.Empty(t, art.ClientApiKeyHashes)
		assert.Equal(t, "alice-key", art.Payer.KeyID)
		require.NotNil(t, art.Diagnostic)
		assert.NotNil(t, art.Diagnostic.RequestCounter)
		assert.NotNil(t, art.Context)
	})
	t.Run("overrides", func(t *testing.T) {
		env := validEnv()
		env["STORE_BACKEND"] = "redis"
		env["REDIS_URL"] = "redis://localhost:6379/0"
		env["FLOW_TTL"] = "30m"
		env["STRICT_MODE"] = "true"
		env["WEBHOOK_MAX_ATTEMPTS"] = "2"
		env["EVENT_PUBLISH_TIMEOUT"] = "5s"
		env["CLIENT_API_KEY_HASHES"] = " abc, def ,,"
		env["CORS_ALLOW_ORIGINS"] = "https://shop.example"

		art, err := ParseConfig(env)

		require.NoError(t, err)
		assert.Equal(t, StoreRedis, art.StoreBackend)
		assert.Equal(t, 30*time.Minute, art.FlowTTL)
		assert.True(t, art.StrictMode)
		assert.Equal(t, uint(2), art.WebhookMaxAttempts)
		assert.Equal(t, 5*time.Second, art.EventPublishTimeout)
		assert.Equal(t, []string{"abc", "def"}, art.ClientApiKeyHashes)
		assert.Equal(t, []string{"https://shop.example"}, art.CorsAllowOrigins)
	})

	invalid := map[string]func(env map[string]string){
		"missing payer key":        func(env map[string]string) { delete(env, "PAYER_PRIVATE_KEY") },
		"missing callback":         func(env map[string]string) { delete(env, "CALLBACK_BASE_URL") },
		"unknown store":            func(env map[string]string) { env["STORE_BACKEND"] = "etcd" },
		"redis without url":        func(env map[string]string) { env["STORE_BACKEND"] = "redis" },
		"unknown database":         func(env map[string]string) { env["DATABASE_DRIVER"] = "oracle" },
		"unparsable duration":      func(env map[string]string) { env["HTTP_TIMEOUT"] = "soon" },
		"unparsable bool":          func(env map[string]string) { env["STRICT_MODE"] = "maybe" },
		"flow ttl below a minute":  func(env map[string]string) { env["FLOW_TTL"] = "10s" },
		"webhook is not a url":     func(env map[string]string) { env["WEBHOOK_URL"] = "not a url" },
		"unknown metric transport": func(env map[string]string) { env["OTLP_METRIC_PROTOCOL"] = "udp" },
		"publish timeout too low":  func(env map[string]string) { env["EVENT_PUBLISH_TIMEOUT"] = "10ms" },
	}
	for name, mutate := range invalid {
		t.Run(name, func(t *testing.T) {
			env := validEnv()
			mutate(env)

			_, err := ParseConfig(env)

			assert.Error(t, err)
		})
	}
}

func TestMatchesHash(t *testing.T) {
	hashes := []string{Sha512("other"), Sha512("secret-key")}

	assert.True(t, MatchesHash("secret-key", hashes))
	assert.False(t, MatchesHash("secret", hashes))
	assert.False(t, MatchesHash("secret-key", nil))
	assert.Len(t, Sha512("x"), 128)
}
