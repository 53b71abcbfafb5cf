package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Priceflow   PriceflowConfig   `yaml:"priceflow"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Feeds       FeedsConfig       `yaml:"feeds"`
	Validator   ValidatorConfig   `yaml:"validator"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Writer      WriterConfig      `yaml:"writer"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type PriceflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	NormBuffer int `yaml:"norm_buffer"`
	AggBuffer  int `yaml:"agg_buffer"`
}

type FeedsConfig struct {
	Symbols         []string             `yaml:"symbols"`
	Intervals       []string             `yaml:"intervals"`
	Timeout         time.Duration        `yaml:"timeout"`
	HeartbeatWindow time.Duration        `yaml:"heartbeat_window"`
	Retry           RetryConfig          `yaml:"retry"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	Binance         BinanceFeedConfig    `yaml:"binance"`
	Coinbase        CoinbaseFeedConfig   `yaml:"coinbase"`
	Bybit           BybitFeedConfig      `yaml:"bybit"`
	ConnectionPool  ConnectionPoolConfig `yaml:"connection_pool"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type BinanceFeedConfig struct {
	Rest BinanceRestConfig `yaml:"rest"`
	WS   BinanceWSConfig   `yaml:"ws"`
}

type BinanceRestConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Limit        int           `yaml:"limit"`
}

type BinanceWSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type CoinbaseFeedConfig struct {
	Enabled  bool     `yaml:"enabled"`
	URL      string   `yaml:"url"`
	Channels []string `yaml:"channels"`
}

type BybitFeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type ValidatorConfig struct {
	MaxPrice float64 `yaml:"max_price"`
}

type AggregationConfig struct {
	BucketWidth  time.Duration `yaml:"bucket_width"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	MaxDeviation float64       `yaml:"max_deviation"`
	MinExchanges int           `yaml:"min_exchanges"`
}

type WriterConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type PublisherConfig struct {
	EnableCache  bool `yaml:"enable_cache"`
	EnableStore  bool `yaml:"enable_store"`
	EnableBroker bool `yaml:"enable_broker"`
}

type ReconnectConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	GrowthFactor float64       `yaml:"growth_factor"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 means retry forever
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PriceTTL    time.Duration `yaml:"price_ttl"`
	RealtimeTTL time.Duration `yaml:"realtime_ttl"`
}

type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	AggregatedTopic string   `yaml:"aggregated_topic"`
	PriceTopic      string   `yaml:"price_topic"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
}

type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultConfigPath is the file LoadConfig falls back to and the anchor for
// environment specific overrides like config.production.yml.
const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	if resolved := resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths); resolved != path {
		if _, err := os.Stat(resolved); err == nil {
			path = resolved
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Validator: ValidatorConfig{MaxPrice: 1_000_000},
		Aggregation: AggregationConfig{
			BucketWidth:  time.Minute,
			FlushTimeout: 90 * time.Second,
			MaxDeviation: 0.05,
			MinExchanges: 2,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:    time.Second,
			MaxDelay:     time.Minute,
			GrowthFactor: 2,
		},
		Storage: StorageConfig{
			Kafka: KafkaConfig{
				AggregatedTopic: "aggregated-market-data",
				PriceTopic:      "price-updates",
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available.
	if config.Storage.Postgres.Enabled {
		if v := os.Getenv("POSTGRES_DSN"); v != "" {
			config.Storage.Postgres.DSN = strings.TrimSpace(v)
		}
	}
	if config.Storage.Redis.Enabled {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			config.Storage.Redis.Addr = strings.TrimSpace(v)
		}
		if v := os.Getenv("REDIS_PASSWORD"); v != "" {
			config.Storage.Redis.Password = strings.TrimSpace(v)
		}
	}
	if config.Storage.Kafka.Enabled {
		if v := os.Getenv("KAFKA_BROKERS"); v != "" {
			config.Storage.Kafka.Brokers = splitAndTrim(v)
		}
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Priceflow.Name == "" {
		return fmt.Errorf("priceflow.name is required")
	}

	if cfg.Priceflow.Version == "" {
		return fmt.Errorf("priceflow.version is required")
	}

	if len(cfg.Feeds.Symbols) == 0 {
		return fmt.Errorf("feeds.symbols must list at least one symbol")
	}

	if cfg.Channels.NormBuffer <= 0 {
		return fmt.Errorf("channels.norm_buffer must be greater than 0")
	}
	if cfg.Channels.AggBuffer <= 0 {
		return fmt.Errorf("channels.agg_buffer must be greater than 0")
	}

	if cfg.Writer.MaxWorkers <= 0 {
		return fmt.Errorf("writer.max_workers must be greater than 0")
	}

	if cfg.Aggregation.BucketWidth <= 0 {
		return fmt.Errorf("aggregation.bucket_width must be greater than 0")
	}
	if cfg.Aggregation.FlushTimeout <= 0 {
		return fmt.Errorf("aggregation.flush_timeout must be greater than 0")
	}
	if cfg.Aggregation.MaxDeviation <= 0 || cfg.Aggregation.MaxDeviation >= 1 {
		return fmt.Errorf("aggregation.max_deviation must be between 0 and 1")
	}
	if cfg.Aggregation.MinExchanges < 2 {
		return fmt.Errorf("aggregation.min_exchanges must be at least 2")
	}

	if cfg.Feeds.Binance.Rest.Enabled {
		if cfg.Feeds.Binance.Rest.PollInterval <= 0 {
			return fmt.Errorf("feeds.binance.rest.poll_interval must be greater than 0")
		}
		if len(cfg.Feeds.Intervals) == 0 {
			return fmt.Errorf("feeds.intervals must list at least one interval when polling is enabled")
		}
	}

	if cfg.Reconnect.GrowthFactor <= 1 {
		return fmt.Errorf("reconnect.growth_factor must be greater than 1")
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be greater than 0")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must be at least reconnect.base_delay")
	}

	// Production-like deployments must not run fire-and-forget: records need
	// a durable store and a broker to land in.
	if env := AppEnvironment(); IsProductionLike(env) {
		if !cfg.Storage.Postgres.Enabled {
			return fmt.Errorf("storage.postgres must be enabled in the %s environment", env)
		}
		if !cfg.Storage.Kafka.Enabled {
			return fmt.Errorf("storage.kafka must be enabled in the %s environment", env)
		}
	}

	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when postgres is enabled")
	}
	if cfg.Storage.Redis.Enabled && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required when redis is enabled")
	}
	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.AggregatedTopic == "" {
			return fmt.Errorf("storage.kafka.aggregated_topic must not be empty when kafka is enabled")
		}
		if cfg.Storage.Kafka.PriceTopic == "" {
			return fmt.Errorf("storage.kafka.price_topic must not be empty when kafka is enabled")
		}
	}
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	return nil
}
