package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint  string
	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// DBSlowQueryThreshold is the duration above which queries are logged at warn.
	DBSlowQueryThreshold time.Duration

	Provisioning ProvisioningConfig
	Credential   CredentialConfig
	Redis        RedisConfig
	RateLimit    RateLimitConfig
	Scheduler    SchedulerConfig
	Subscription SubscriptionConfig
	Events       EventsConfig
	Admin        AdminConfig
	Storage      StorageConfig
}

// ProvisioningConfig controls how tenant databases are allocated.
type ProvisioningConfig struct {
	// Mode is either "automatic" or "manual".
	Mode string
	// Async queues provisioning through the outbox instead of running it
	// inside the registration request.
	Async            bool
	AutoMigrate      bool
	AllowDemoSeed    bool
	Timeout          time.Duration
	StuckThreshold   time.Duration
	DatabasePrefix   string
	AdminDBType      string
	AdminDBHost      string
	AdminDBPort      string
	AdminDBName      string
	AdminDBUser      string
	AdminDBPassword  string
	AdminDBSSLMode   string
	TenantDBHost     string
	TenantDBPort     string
	TenantDBSSLMode  string
	ConsumerInterval time.Duration
}

type ObservabilityConfig struct {
	LogLevel          string
	LogFormat         string
	OtelEnabled       bool
	OtelProtocol      string
	OtelSamplingRatio float64
}

type CredentialConfig struct {
	// Key is a base64 encoded 32 byte key used to seal tenant database passwords.
	Key string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled           bool
	RegistrationRate  float64
	RegistrationBurst int
	ProvisionLockTTL  time.Duration
}

type SchedulerConfig struct {
	Enabled                 bool
	RunInterval             time.Duration
	BatchSize               int
	EnabledJobs             []string
	RetryFailedProvisioning bool
	VerifyInterval          time.Duration
}

type SubscriptionConfig struct {
	GracePeriod time.Duration
}

type EventsConfig struct {
	Sinks        []string
	WebhookURL   string
	WebhookToken string
	KafkaBrokers []string
	KafkaTopic   string
}

type AdminConfig struct {
	JWTSecret string
	JWTIssuer string
}

type StorageConfig struct {
	PaymentProofDir string
}

const (
	ProvisioningModeAutomatic = "automatic"
	ProvisioningModeManual    = "manual"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "tenancy"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  environment,
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),

		Observability: ObservabilityConfig{
			LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:       getenvBool("OTEL_ENABLED", true),
			OtelProtocol:      strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:               getenv("DATABASE_TYPE", "postgres"),
		DBHost:               getenv("DATABASE_HOST", "localhost"),
		DBPort:               getenv("DATABASE_PORT", "5432"),
		DBName:               getenv("DATABASE_NAME", "tenancy"),
		DBUser:               getenv("DATABASE_USER", "postgres"),
		DBPassword:           getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:            getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:        int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:        int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime:    int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime:    int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBSlowQueryThreshold: getenvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),

		Provisioning: ProvisioningConfig{
			Mode:             normalizeProvisioningMode(getenv("PROVISIONING_MODE", ProvisioningModeAutomatic)),
			Async:            getenvBool("PROVISIONING_ASYNC", true),
			AutoMigrate:      getenvBool("PROVISIONING_AUTO_MIGRATE", true),
			AllowDemoSeed:    getenvBool("PROVISIONING_ALLOW_DEMO_SEED", false),
			Timeout:          getenvDuration("PROVISIONING_TIMEOUT", 2*time.Minute),
			StuckThreshold:   getenvDuration("PROVISIONING_STUCK_THRESHOLD", 15*time.Minute),
			DatabasePrefix:   getenv("PROVISIONING_DATABASE_PREFIX", "tenant"),
			AdminDBType:      getenv("PROVISIONING_ADMIN_DATABASE_TYPE", getenv("DATABASE_TYPE", "postgres")),
			AdminDBHost:      getenv("PROVISIONING_ADMIN_DATABASE_HOST", getenv("DATABASE_HOST", "localhost")),
			AdminDBPort:      getenv("PROVISIONING_ADMIN_DATABASE_PORT", getenv("DATABASE_PORT", "5432")),
			AdminDBName:      getenv("PROVISIONING_ADMIN_DATABASE_NAME", "postgres"),
			AdminDBUser:      getenv("PROVISIONING_ADMIN_DATABASE_USER", getenv("DATABASE_USER", "postgres")),
			AdminDBPassword:  getenv("PROVISIONING_ADMIN_DATABASE_PASSWORD", getenv("DATABASE_PASSWORD", "")),
			AdminDBSSLMode:   getenv("PROVISIONING_ADMIN_DATABASE_SSLMODE", "disable"),
			TenantDBHost:     getenv("PROVISIONING_TENANT_DATABASE_HOST", getenv("DATABASE_HOST", "localhost")),
			TenantDBPort:     getenv("PROVISIONING_TENANT_DATABASE_PORT", getenv("DATABASE_PORT", "5432")),
			TenantDBSSLMode:  getenv("PROVISIONING_TENANT_DATABASE_SSLMODE", "disable"),
			ConsumerInterval: getenvDuration("PROVISIONING_CONSUMER_INTERVAL", 2*time.Second),
		},
		Credential: CredentialConfig{
			Key: strings.TrimSpace(getenv("CREDENTIAL_KEY", "")),
		},
		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getenvBool("RATE_LIMIT_ENABLED", false),
			RegistrationRate:  getenvFloat("RATE_LIMIT_REGISTRATION_RATE", 0.2),
			RegistrationBurst: int(getenvInt64("RATE_LIMIT_REGISTRATION_BURST", 5)),
			ProvisionLockTTL:  getenvDuration("RATE_LIMIT_PROVISION_LOCK_TTL", 5*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:                 getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:             getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:               int(getenvInt64("SCHEDULER_BATCH_SIZE", 50)),
			EnabledJobs:             parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			RetryFailedProvisioning: getenvBool("SCHEDULER_RETRY_FAILED_PROVISIONING", false),
			VerifyInterval:          getenvDuration("SCHEDULER_VERIFY_INTERVAL", 6*time.Hour),
		},
		Subscription: SubscriptionConfig{
			GracePeriod: getenvDuration("SUBSCRIPTION_GRACE_PERIOD", 7*24*time.Hour),
		},
		Events: EventsConfig{
			Sinks:        parseList(getenv("EVENTS_SINKS", "log")),
			WebhookURL:   strings.TrimSpace(getenv("EVENTS_WEBHOOK_URL", "")),
			WebhookToken: strings.TrimSpace(getenv("EVENTS_WEBHOOK_TOKEN", "")),
			KafkaBrokers: parseList(getenv("EVENTS_KAFKA_BROKERS", "")),
			KafkaTopic:   getenv("EVENTS_KAFKA_TOPIC", "tenancy.events"),
		},
		Admin: AdminConfig{
			JWTSecret: strings.TrimSpace(getenv("ADMIN_JWT_SECRET", "")),
			JWTIssuer: strings.TrimSpace(getenv("ADMIN_JWT_ISSUER", "tenancy")),
		},
		Storage: StorageConfig{
			PaymentProofDir: getenv("PAYMENT_PROOF_DIR", "./storage/payment-proofs"),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func (c ProvisioningConfig) IsManual() bool {
	return c.Mode == ProvisioningModeManual
}

func normalizeProvisioningMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ProvisioningModeManual:
		return ProvisioningModeManual
	default:
		return ProvisioningModeAutomatic
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
