package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Push providers
const (
	PushProviderFCM = "fcm"
	PushProviderSNS = "sns"
	PushProviderLog = "log"
)

// Lease backends
const (
	LeaseBackendFirestore = "firestore"
	LeaseBackendRedis     = "redis"
)

// Document store backends
const (
	DocStoreFirestore = "firestore"
	DocStoreMemory    = "memory"
)

type Config struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	Env      string `mapstructure:"env"`

	// Ops endpoints under /internal require this token when set
	OpsToken string `mapstructure:"ops_token"`

	// Database
	DBHost     string `mapstructure:"db_host"`
	DBPort     int    `mapstructure:"db_port"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`
	DBName     string `mapstructure:"db_name"`
	DBSSLMode  string `mapstructure:"db_sslmode"`
	DBMaxConns int32  `mapstructure:"db_max_conns"`

	// Redis config, only used by the redis lease backend
	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Firebase
	FirebaseProjectID       string `mapstructure:"firebase_project_id"`
	FirebaseCredentialsFile string `mapstructure:"firebase_credentials_file"`
	DocStore                string `mapstructure:"docstore"`

	// AWS Services
	AWSRegion   string `mapstructure:"aws_region"`
	AWSEndpoint string `mapstructure:"aws_endpoint"` // LocalStack

	// SQS intake of status changes, disabled when empty
	SQSQueueURL    string `mapstructure:"sqs_queue_url"`
	SQSWaitSeconds int32  `mapstructure:"sqs_wait_seconds"`
	SQSMaxMessages int32  `mapstructure:"sqs_max_messages"`

	// Push
	PushProvider           string        `mapstructure:"push_provider"`
	SNSPlatformAppARN      string        `mapstructure:"sns_platform_app_arn"`
	PushRatePerSecond      float64       `mapstructure:"push_rate_per_second"`
	PushBurst              int           `mapstructure:"push_burst"`
	BreakerMaxFailures     int           `mapstructure:"breaker_max_failures"`
	BreakerRecoveryTimeout time.Duration `mapstructure:"breaker_recovery_timeout"`

	// Lease lock
	LeaseBackend string        `mapstructure:"lease_backend"`
	BulkLeaseTTL time.Duration `mapstructure:"bulk_lease_ttl"`

	// Scheduling
	SchedulerEnabled bool          `mapstructure:"scheduler_enabled"`
	OutboxFlushSpec  string        `mapstructure:"outbox_flush_spec"`
	DiffFlushSpec    string        `mapstructure:"diff_flush_spec"`
	CleanupSpec      string        `mapstructure:"cleanup_spec"`
	OutboxBatchSize  int           `mapstructure:"outbox_batch_size"`
	DiffBatchSize    int           `mapstructure:"diff_batch_size"`
	OutboxExpiry     time.Duration `mapstructure:"outbox_expiry"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
}

var defaults = map[string]any{
	"port":      8080,
	"log_level": "info",
	"env":       "development",
	"ops_token": "",

	"db_host":      "localhost",
	"db_port":      5432,
	"db_user":      "roadsync",
	"db_password":  "",
	"db_name":      "roadsync",
	"db_sslmode":   "disable",
	"db_max_conns": 10,

	"redis_host":     "localhost",
	"redis_port":     6379,
	"redis_password": "",
	"redis_db":       0,

	"firebase_project_id":       "",
	"firebase_credentials_file": "",
	"docstore":                  DocStoreFirestore,

	"aws_region":   "us-east-1",
	"aws_endpoint": "",

	"sqs_queue_url":    "",
	"sqs_wait_seconds": 20,
	"sqs_max_messages": 10,

	"push_provider":            PushProviderLog,
	"sns_platform_app_arn":     "",
	"push_rate_per_second":     50.0,
	"push_burst":               10,
	"breaker_max_failures":     5,
	"breaker_recovery_timeout": "30s",

	"lease_backend":  LeaseBackendFirestore,
	"bulk_lease_ttl": "10m",

	"scheduler_enabled": true,
	"outbox_flush_spec": "@every 30s",
	"diff_flush_spec":   "@every 1m",
	"cleanup_spec":      "0 3 * * *",
	"outbox_batch_size": 50,
	"diff_batch_size":   50,
	"outbox_expiry":     "720h",
	"job_timeout":       "5m",
}

// Load reads configuration from the environment, after loading a .env file if present.
// Variable names are the upper-cased keys: DB_HOST, PUSH_PROVIDER, OUTBOX_FLUSH_SPEC...
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error

	switch c.PushProvider {
	case PushProviderFCM, PushProviderLog:
	case PushProviderSNS:
		if c.SNSPlatformAppARN == "" {
			errs = append(errs, errors.New("SNS_PLATFORM_APP_ARN is required when PUSH_PROVIDER=sns"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid PUSH_PROVIDER %q", c.PushProvider))
	}

	switch c.LeaseBackend {
	case LeaseBackendFirestore, LeaseBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("invalid LEASE_BACKEND %q", c.LeaseBackend))
	}

	switch c.DocStore {
	case DocStoreFirestore, DocStoreMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid DOCSTORE %q", c.DocStore))
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}
	if c.OutboxBatchSize <= 0 || c.DiffBatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE and DIFF_BATCH_SIZE must be positive"))
	}

	return errors.Join(errs...)
}
