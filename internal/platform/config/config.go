package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Payload   PayloadConfig   `mapstructure:"payload"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Ingress   IngressConfig   `mapstructure:"ingress"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"` // sqlite or postgres
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

type QueueConfig struct {
	Backend           string        `mapstructure:"backend"` // memory, redis or nats
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RedeliveryDelay   time.Duration `mapstructure:"redelivery_delay"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	Redis             RedisConfig   `mapstructure:"redis"`
	NATS              NATSConfig    `mapstructure:"nats"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`
}

type NATSConfig struct {
	URL      string        `mapstructure:"url"`
	Stream   string        `mapstructure:"stream"`
	Subject  string        `mapstructure:"subject"`
	Consumer string        `mapstructure:"consumer"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type BlobConfig struct {
	Backend string       `mapstructure:"backend"` // none, fs or s3
	FS      FSBlobConfig `mapstructure:"fs"`
	S3      S3BlobConfig `mapstructure:"s3"`
}

type FSBlobConfig struct {
	Path string `mapstructure:"path"`
}

type S3BlobConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	AccessKeyID    string `mapstructure:"access_key_id"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type PayloadConfig struct {
	OffloadThreshold int `mapstructure:"offload_threshold"`
	MaxSize          int `mapstructure:"max_size"`
}

type DeliveryConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxResponseBody      int           `mapstructure:"max_response_body"`
	PerTargetConcurrency int           `mapstructure:"per_target_concurrency"`
	UserAgent            string        `mapstructure:"user_agent"`
}

// RetryConfig is the policy applied when an integration's own policy is
// missing or unparseable.
type RetryConfig struct {
	MaxAttempts    int    `mapstructure:"max_attempts"`
	BackoffType    string `mapstructure:"backoff_type"`
	InitialDelayMs int    `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int    `mapstructure:"max_delay_ms"`
}

type WorkerConfig struct {
	Concurrency          int `mapstructure:"concurrency"`
	MaxInfraRedeliveries int `mapstructure:"max_infra_redeliveries"`
}

type ReconcileConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	BatchSize   int           `mapstructure:"batch_size"`
}

type IngressConfig struct {
	IntegrationCacheTTL time.Duration `mapstructure:"integration_cache_ttl"`
}

type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/relay.db")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.redelivery_delay", 5*time.Second)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis.key", "relay:deliveries")
	v.SetDefault("queue.nats.url", "nats://localhost:4222")
	v.SetDefault("queue.nats.stream", "RELAY_DELIVERIES")
	v.SetDefault("queue.nats.subject", "relay.deliveries")
	v.SetDefault("queue.nats.consumer", "relay-delivery-worker")
	v.SetDefault("queue.nats.max_age", 7*24*time.Hour)

	v.SetDefault("blob.backend", "none")
	v.SetDefault("blob.fs.path", "data/payloads")

	v.SetDefault("payload.offload_threshold", 100*1024)
	v.SetDefault("payload.max_size", 5*1024*1024)

	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.max_response_body", 4096)
	v.SetDefault("delivery.per_target_concurrency", 0)
	v.SetDefault("delivery.user_agent", "hookrelay/1.0")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff_type", "exponential")
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 16000)

	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.max_infra_redeliveries", 10)

	v.SetDefault("reconcile.interval", 5*time.Minute)
	v.SetDefault("reconcile.grace_period", 10*time.Minute)
	v.SetDefault("reconcile.batch_size", 100)

	v.SetDefault("ingress.integration_cache_ttl", 30*time.Second)

	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.audience", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Load reads the YAML file at path (skipped when path is empty) and applies
// RELAY_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("relay")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
