package kernel

import (
	"context"
	"fmt"
	"github.com/Angel-Anselmo/NestPay-sub000/flows"
	"github.com/Angel-Anselmo/NestPay-sub000/openpayments"
	val "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	once       sync.Once
	appRuntime *AppRuntime
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	DriverMysql  = "mysql"
	DriverSqlite = "sqlite"
)

// WalletKey is the client identity the service uses towards one side of a flow.
type WalletKey struct {
	WalletAddress string
	KeyID         string
	// PrivateKey is a path to a PEM file, an inline PEM or a base64 encoded PEM.
	PrivateKey string
}

func (k WalletKey) Validate() error {
	return val.ValidateStruct(&k,
		val.Field(&k.WalletAddress, val.Required, is.URL),
		val.Field(&k.KeyID, val.Required),
		val.Field(&k.PrivateKey, val.Required),
	)
}

type AppRuntime struct {
	Host string

	ServiceName           string
	ServiceVersion        string
	DeploymentEnvironment string
	LogLevel              string

	DatabaseDriver string
	DatabaseDSN    string
	DatabaseClient *gorm.DB

	JaegerEndpoint     string
	OtlpMetricEndpoint string
	OtlpMetricProtocol string
	Insecure           bool

	Payer WalletKey
	Payee WalletKey

	CallbackBaseURL string
	ClientReturnURL string
	HTTPTimeout     time.Duration
	FlowTTL         time.Duration
	WalletCacheTTL  time.Duration
	StrictMode      bool
	ReaperInterval  time.Duration

	StoreBackend string
	RedisURL     string

	WebhookURL          string
	WebhookMaxAttempts  uint
	NatsURL             string
	NatsSubject         string
	EventPublishTimeout time.Duration

	ClientApiKeyHashes []string
	CorsAllowOrigins   []string

	Diagnostic *AppDiagnostic

	Flows   *flows.Orchestrator
	Wallets *openpayments.Directory
	closers []func() error

	Context context.Context
}

// LoadConfig reads .env.<API_ENV> once. Without that file the process
// environment is used.
func LoadConfig() *AppRuntime {
	once.Do(func() {
		appEnv := os.Getenv("API_ENV")
		if appEnv == "" {
			appEnv = "development"
		}

		env, err := godotenv.Read(".env." + appEnv)
		if err != nil {
			log.Warn().Err(err).Str("env", appEnv).Msg("no env file, reading the process environment")
			env = environ()
		}

		appRuntime, err = ParseConfig(env)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	})
	return appRuntime
}

func environ() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func ParseConfig(env map[string]string) (*AppRuntime, error) {
	p := parser{env: env}

	art := &AppRuntime{
		Host: p.str("HOST", ":8080"),

		ServiceName:           p.str("SERVICE_NAME", "nestpay-flows"),
		ServiceVersion:        p.str("SERVICE_VERSION", "dev"),
		DeploymentEnvironment: p.str("DEPLOY_ENV", "development"),
		LogLevel:              p.str("LOG_LEVEL", "info"),

		DatabaseDriver: p.str("DATABASE_DRIVER", DriverMysql),
		DatabaseDSN:    env["DATABASE_DSN"],

		JaegerEndpoint:     env["JAEGER_ENDPOINT"],
		OtlpMetricEndpoint: env["OTLP_METRIC_ENDPOINT"],
		OtlpMetricProtocol: p.str("OTLP_METRIC_PROTOCOL", "http"),
		Insecure:           p.boolean("INSECURE"),

		Payer: WalletKey{
			WalletAddress: env["PAYER_WALLET_ADDRESS"],
			KeyID:         env["PAYER_KEY_ID"],
			PrivateKey:    env["PAYER_PRIVATE_KEY"],
		},
		Payee: WalletKey{
			WalletAddress: env["PAYEE_WALLET_ADDRESS"],
			KeyID:         env["PAYEE_KEY_ID"],
			PrivateKey:    env["PAYEE_PRIVATE_KEY"],
		},

		CallbackBaseURL: env["CALLBACK_BASE_URL"],
		ClientReturnURL: env["CLIENT_RETURN_URL"],
		HTTPTimeout:     p.duration("HTTP_TIMEOUT", 30*time.Second),
		FlowTTL:         p.duration("FLOW_TTL", flows.DefaultFlowTTL),
		WalletCacheTTL:  p.duration("WALLET_CACHE_TTL", time.Minute),
		StrictMode:      p.boolean("STRICT_MODE"),
		ReaperInterval:  p.duration("REAPER_INTERVAL", time.Minute),

		StoreBackend: p.str("STORE_BACKEND", StoreMemory),
		RedisURL:     env["REDIS_URL"],

		WebhookURL:          env["WEBHOOK_URL"],
		WebhookMaxAttempts:  p.count("WEBHOOK_MAX_ATTEMPTS", 5),
		NatsURL:             env["NATS_URL"],
		NatsSubject:         env["NATS_SUBJECT"],
		EventPublishTimeout: p.duration("EVENT_PUBLISH_TIMEOUT", flows.DefaultPublishTimeout),

		ClientApiKeyHashes: p.list("CLIENT_API_KEY_HASHES"),
		CorsAllowOrigins:   p.list("CORS_ALLOW_ORIGINS"),

		Context: context.Background(),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := art.Validate(); err != nil {
		return nil, err
	}

	diag, err := NewDiagnostic(art.ServiceName)
	if err != nil {
		return nil, err
	}
	art.Diagnostic = diag
	return art, nil
}

func (art *AppRuntime) Validate() error {
	var redisRules []val.Rule
	if art.StoreBackend == StoreRedis {
		redisRules = append(redisRules, val.Required)
	}
	return val.ValidateStruct(art,
		val.Field(&art.Host, val.Required),
		val.Field(&art.DatabaseDriver, val.In(DriverMysql, DriverSqlite)),
		val.Field(&art.DatabaseDSN, val.Required),
		val.Field(&art.OtlpMetricProtocol, val.In("http", "grpc")),
		val.Field(&art.Payer),
		val.Field(&art.Payee),
		val.Field(&art.CallbackBaseURL, val.Required, is.URL),
		val.Field(&art.ClientReturnURL, is.URL),
		val.Field(&art.StoreBackend, val.In(StoreMemory, StoreRedis)),
		val.Field(&art.RedisURL, redisRules...),
		val.Field(&art.WebhookURL, is.URL),
		val.Field(&art.FlowTTL, val.Min(time.Minute)),
		val.Field(&art.ReaperInterval, val.Min(time.Second)),
		val.Field(&art.EventPublishTimeout, val.Min(time.Second)),
	)
}

// parser keeps the first conversion error so ParseConfig can read every key
// in one go.
type parser struct {
	env map[string]string
	err error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.env[key]); v != "" {
		return v
	}
	return def
}

func (p *parser) boolean(key string) bool {
	v := strings.TrimSpace(p.env[key])
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.env[key])
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}

func (p *parser) count(key string, def uint) uint {
	v := strings.TrimSpace(p.env[key])
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return uint(n)
}

func (p *parser) list(key string) []string {
	var out []string
	for _, item := range strings.Split(p.env[key], ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
