// Package config provides configuration management for cnpool services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for cnpool services
type Config struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	LogLevel       string
	LogFormat      string

	// Coin settings
	Coin             CoinConfig
	Pool             PoolConfig
	VarDiff          VarDiffConfig
	Banning          BanningConfig
	ShareTrust       ShareTrustConfig
	SlushMining      SlushMiningConfig
	PaymentID        PaymentIDConfig
	FixedDiff        FixedDiffConfig
	Daemon           DaemonConfig
	Redis            RedisConfig
	Kafka            KafkaConfig
	Influx           InfluxConfig
}

// CoinConfig holds coin-specific parameters
type CoinConfig struct {
	Name            string
	Symbol          string
	Algorithm       string
	AddressPrefix   uint64
	IntPrefix       uint64
	SubPrefix       uint64
	PoolAddress     string
	BlockTimeTarget time.Duration
}

// PoolConfig holds stratum server settings
type PoolConfig struct {
	ListenAddr           string
	Ports                []PortConfig
	TLSListenAddr        string
	TLSCertFile          string
	TLSKeyFile           string
	MaxConnections       int
	MinerTimeout         time.Duration
	BlockRefreshInterval time.Duration
	JobRefreshOnPrevHash bool
	ShutdownTimeout      time.Duration
	ReadBufferLimit      int
}

// PortConfig describes a single stratum listen port
type PortConfig struct {
	Port       int
	Difficulty int64
	TLS        bool
}

// VarDiffConfig holds variable difficulty settings
type VarDiffConfig struct {
	Enabled         bool
	MinDiff         int64
	MaxDiff         int64
	TargetTime      time.Duration
	RetargetTime    time.Duration
	VariancePercent float64
	MaxJump         float64
}

// BanningConfig holds IP banning settings
type BanningConfig struct {
	Enabled        bool
	Time           time.Duration
	InvalidPercent float64
	CheckThreshold int64
}

// ShareTrustConfig holds share trust settings
type ShareTrustConfig struct {
	Enabled   bool
	Min       float64
	StepDown  float64
	Threshold int64
	Penalty   int64
}

// SlushMiningConfig holds slush scoring settings
type SlushMiningConfig struct {
	Enabled bool
	Weight  float64
}

// PaymentIDConfig controls integrated payment id handling
type PaymentIDConfig struct {
	AddressSeparator string
	Validation       bool
	Ban              bool
}

// FixedDiffConfig controls the static difficulty login suffix
type FixedDiffConfig struct {
	Enabled          bool
	AddressSeparator string
}

// DaemonConfig holds coin daemon RPC settings
type DaemonConfig struct {
	Host        string
	Port        int
	Timeout     time.Duration
	ReserveSize int
	ZMQEnabled  bool
	ZMQEndpoint string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL             string
	DB              int
	Password        string
	MaxRetries      int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	CleanupInterval int
}

// KafkaConfig holds Kafka event streaming settings
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPrefix  string
	BatchTimeout time.Duration
}

// InfluxConfig holds InfluxDB metrics settings
type InfluxConfig struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:    getEnv("SERVICE_NAME", "cnpool"),
		ServiceVersion: getEnv("SERVICE_VERSION", "dev"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),

		Coin: CoinConfig{
			Name:            getEnv("COIN_NAME", "monero"),
			Symbol:          getEnv("COIN_SYMBOL", "XMR"),
			Algorithm:       getEnv("COIN_ALGORITHM", "rx/0"),
			AddressPrefix:   uint64(getEnvInt("COIN_ADDRESS_PREFIX", 18)),
			IntPrefix:       uint64(getEnvInt("COIN_INTEGRATED_PREFIX", 19)),
			SubPrefix:       uint64(getEnvInt("COIN_SUBADDRESS_PREFIX", 42)),
			PoolAddress:     getEnv("POOL_ADDRESS", ""),
			BlockTimeTarget: getEnvDuration("COIN_BLOCK_TIME", 120*time.Second),
		},

		Pool: PoolConfig{
			ListenAddr:           getEnv("POOL_LISTEN_ADDR", "0.0.0.0"),
			Ports:                parsePorts(getEnv("POOL_PORTS", "3333:100,5555:2000")),
			TLSListenAddr:        getEnv("POOL_TLS_LISTEN_ADDR", ""),
			TLSCertFile:          getEnv("POOL_TLS_CERT", ""),
			TLSKeyFile:           getEnv("POOL_TLS_KEY", ""),
			MaxConnections:       getEnvInt("POOL_MAX_CONNECTIONS", 10000),
			MinerTimeout:         getEnvDuration("POOL_MINER_TIMEOUT", 900*time.Second),
			BlockRefreshInterval: getEnvDuration("POOL_BLOCK_REFRESH_INTERVAL", 1*time.Second),
			JobRefreshOnPrevHash: getEnvBool("POOL_JOB_REFRESH_ON_PREV_HASH", true),
			ShutdownTimeout:      getEnvDuration("POOL_SHUTDOWN_TIMEOUT", 30*time.Second),
			ReadBufferLimit:      getEnvInt("POOL_READ_BUFFER_LIMIT", 10240),
		},

		VarDiff: VarDiffConfig{
			Enabled:         getEnvBool("VARDIFF_ENABLED", true),
			MinDiff:         getEnvInt64("VARDIFF_MIN_DIFF", 100),
			MaxDiff:         getEnvInt64("VARDIFF_MAX_DIFF", 100000000),
			TargetTime:      getEnvDuration("VARDIFF_TARGET_TIME", 60*time.Second),
			RetargetTime:    getEnvDuration("VARDIFF_RETARGET_TIME", 30*time.Second),
			VariancePercent: getEnvFloat("VARDIFF_VARIANCE_PERCENT", 30),
			MaxJump:         getEnvFloat("VARDIFF_MAX_JUMP", 100),
		},

		Banning: BanningConfig{
			Enabled:        getEnvBool("BANNING_ENABLED", true),
			Time:           getEnvDuration("BANNING_TIME", 600*time.Second),
			InvalidPercent: getEnvFloat("BANNING_INVALID_PERCENT", 25),
			CheckThreshold: getEnvInt64("BANNING_CHECK_THRESHOLD", 30),
		},

		ShareTrust: ShareTrustConfig{
			Enabled:   getEnvBool("SHARE_TRUST_ENABLED", true),
			Min:       getEnvFloat("SHARE_TRUST_MIN", 20),
			StepDown:  getEnvFloat("SHARE_TRUST_STEP_DOWN", 3),
			Threshold: getEnvInt64("SHARE_TRUST_THRESHOLD", 10),
			Penalty:   getEnvInt64("SHARE_TRUST_PENALTY", 30),
		},

		SlushMining: SlushMiningConfig{
			Enabled: getEnvBool("SLUSH_MINING_ENABLED", false),
			Weight:  getEnvFloat("SLUSH_MINING_WEIGHT", 300),
		},

		PaymentID: PaymentIDConfig{
			AddressSeparator: getEnv("PAYMENT_ID_SEPARATOR", "."),
			Validation:       getEnvBool("PAYMENT_ID_VALIDATION", true),
			Ban:              getEnvBool("PAYMENT_ID_BAN_INVALID", false),
		},

		FixedDiff: FixedDiffConfig{
			Enabled:          getEnvBool("FIXED_DIFF_ENABLED", true),
			AddressSeparator: getEnv("FIXED_DIFF_SEPARATOR", "+"),
		},

		Daemon: DaemonConfig{
			Host:        getEnv("DAEMON_HOST", "127.0.0.1"),
			Port:        getEnvInt("DAEMON_PORT", 18081),
			Timeout:     getEnvDuration("DAEMON_TIMEOUT", 30*time.Second),
			ReserveSize: getEnvInt("DAEMON_RESERVE_SIZE", 17),
			ZMQEnabled:  getEnvBool("DAEMON_ZMQ_ENABLED", false),
			ZMQEndpoint: getEnv("DAEMON_ZMQ_ENDPOINT", "tcp://127.0.0.1:18083"),
		},

		Redis: RedisConfig{
			URL:             getEnv("REDIS_URL", "redis://localhost:6379"),
			DB:              getEnvInt("REDIS_DB", 0),
			Password:        getEnv("REDIS_PASSWORD", ""),
			MaxRetries:      getEnvInt("REDIS_MAX_RETRIES", 3),
			DialTimeout:     getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:     getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:    getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			CleanupInterval: getEnvInt("REDIS_CLEANUP_INTERVAL", 15),
		},

		Kafka: KafkaConfig{
			Enabled:      getEnvBool("KAFKA_ENABLED", false),
			Brokers:      strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicPrefix:  getEnv("KAFKA_TOPIC_PREFIX", "cnpool"),
			BatchTimeout: getEnvDuration("KAFKA_BATCH_TIMEOUT", 100*time.Millisecond),
		},

		Influx: InfluxConfig{
			Enabled: getEnvBool("INFLUX_ENABLED", false),
			URL:     getEnv("INFLUX_URL", "http://localhost:8086"),
			Token:   getEnv("INFLUX_TOKEN", ""),
			Org:     getEnv("INFLUX_ORG", "cnpool"),
			Bucket:  getEnv("INFLUX_BUCKET", "pool_metrics"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Coin.Name == "" {
		return fmt.Errorf("COIN_NAME is required")
	}

	if len(c.Pool.Ports) == 0 {
		return fmt.Errorf("POOL_PORTS must contain at least one port")
	}
	for _, p := range c.Pool.Ports {
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("invalid pool port: %d", p.Port)
		}
		if p.Difficulty < 1 {
			return fmt.Errorf("invalid port difficulty: %d", p.Difficulty)
		}
	}

	if c.VarDiff.MinDiff < 1 {
		return fmt.Errorf("VARDIFF_MIN_DIFF must be positive")
	}
	if c.VarDiff.MaxDiff < c.VarDiff.MinDiff {
		return fmt.Errorf("VARDIFF_MAX_DIFF must be >= VARDIFF_MIN_DIFF")
	}
	if c.VarDiff.TargetTime <= 0 {
		return fmt.Errorf("VARDIFF_TARGET_TIME must be positive")
	}
	if c.VarDiff.VariancePercent < 0 || c.VarDiff.VariancePercent > 100 {
		return fmt.Errorf("VARDIFF_VARIANCE_PERCENT must be between 0 and 100")
	}

	if c.Banning.Enabled {
		if c.Banning.InvalidPercent <= 0 || c.Banning.InvalidPercent > 100 {
			return fmt.Errorf("BANNING_INVALID_PERCENT must be between 0 and 100")
		}
		if c.Banning.CheckThreshold < 1 {
			return fmt.Errorf("BANNING_CHECK_THRESHOLD must be positive")
		}
	}

	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		return fmt.Errorf("invalid daemon port: %d", c.Daemon.Port)
	}
	if c.Daemon.ReserveSize < 9 || c.Daemon.ReserveSize > 255 {
		return fmt.Errorf("DAEMON_RESERVE_SIZE must be between 9 and 255")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when Kafka is enabled")
	}

	if c.Influx.Enabled && c.Influx.Token == "" {
		return fmt.Errorf("INFLUX_TOKEN is required when InfluxDB is enabled")
	}

	return nil
}

// DaemonURL returns the daemon JSON-RPC endpoint URL
func (c *Config) DaemonURL() string {
	return fmt.Sprintf("http://%s:%d/json_rpc", c.Daemon.Host, c.Daemon.Port)
}

// parsePorts parses "port:difficulty,port:difficulty" specs. Malformed
// entries are skipped.
func parsePorts(spec string) []PortConfig {
	var ports []PortConfig
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		diff := int64(1000)
		if len(parts) > 1 {
			if d, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				diff = d
			}
		}
		ports = append(ports, PortConfig{Port: port, Difficulty: diff})
	}
	return ports
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
