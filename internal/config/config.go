package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the abuse-control service.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Throttle      ThrottleConfig
	OTP           OTPConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers       []string
	AuditTopic    string
	DeliveryTopic string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	KeyBuckets   int
	EventBuckets int
}

// TierConfig is one fixed attempt-counting window and the lock duration
// applied when its threshold is crossed.
type TierConfig struct {
	Name         string
	Window       time.Duration
	Threshold    int
	LockDuration time.Duration
}

// ThrottleConfig carries the escalating login throttle tiers, ordered from
// least to most severe.
type ThrottleConfig struct {
	Tiers []TierConfig
}

type OTPConfig struct {
	CodeLength        int
	Validity          time.Duration
	MaxAttempts       int
	MaxPerHour        int
	RecipientCooldown time.Duration
	DeviceMaxTaxIDs   int
	DeviceWindow      time.Duration
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment. A .env file is
// honored outside production.
func LoadConfig() *Config {
	once.Do(func() {
		env := getEnv("APP_ENV", "development")
		if env != "production" {
			_ = godotenv.Load()
			env = getEnv("APP_ENV", env)
		}

		global = &Config{
			Environment: env,
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/autocert"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "abuse_control"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:       getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				AuditTopic:    getEnv("KAFKA_AUDIT_TOPIC", "abuse-control.audit"),
				DeliveryTopic: getEnv("KAFKA_DELIVERY_TOPIC", "abuse-control.otp-delivery"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
				AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "abuse-control-audit"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "abuse_control"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
			Bucketing: BucketingConfig{
				KeyBuckets:   getEnvInt("KEY_BUCKETS", 128),
				EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
			},
			Throttle: ThrottleConfig{
				Tiers: []TierConfig{
					{
						Name:         "15m",
						Window:       getEnvDuration("THROTTLE_TIER1_WINDOW", 15*time.Minute),
						Threshold:    getEnvInt("THROTTLE_TIER1_THRESHOLD", 5),
						LockDuration: getEnvDuration("THROTTLE_TIER1_LOCK", 15*time.Minute),
					},
					{
						Name:         "1h",
						Window:       getEnvDuration("THROTTLE_TIER2_WINDOW", time.Hour),
						Threshold:    getEnvInt("THROTTLE_TIER2_THRESHOLD", 10),
						LockDuration: getEnvDuration("THROTTLE_TIER2_LOCK", time.Hour),
					},
					{
						Name:         "24h",
						Window:       getEnvDuration("THROTTLE_TIER3_WINDOW", 24*time.Hour),
						Threshold:    getEnvInt("THROTTLE_TIER3_THRESHOLD", 15),
						LockDuration: getEnvDuration("THROTTLE_TIER3_LOCK", 24*time.Hour),
					},
				},
			},
			OTP: OTPConfig{
				CodeLength:        getEnvInt("OTP_CODE_LENGTH", 6),
				Validity:          getEnvDuration("OTP_VALIDITY", 5*time.Minute),
				MaxAttempts:       getEnvInt("OTP_MAX_ATTEMPTS", 3),
				MaxPerHour:        getEnvInt("OTP_MAX_PER_HOUR", 5),
				RecipientCooldown: getEnvDuration("OTP_RECIPIENT_COOLDOWN", 60*time.Second),
				DeviceMaxTaxIDs:   getEnvInt("OTP_DEVICE_MAX_TAX_IDS", 5),
				DeviceWindow:      getEnvDuration("OTP_DEVICE_WINDOW", 24*time.Hour),
			},
		}
	})

	return global
}

// Get returns the loaded global configuration.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
