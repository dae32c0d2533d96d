// Package config provides configuration loading for the gateway.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chaoschain/gateway/internal/guard"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Engine   EngineConfig   `mapstructure:"engine"`
	LogLevel string         `mapstructure:"log_level"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration (API rate limiting).
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ChainConfig holds EVM RPC configuration.
type ChainConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
	// SignerKeys are hex private keys loaded into the in-memory registry.
	// A production deployment replaces this with an external keystore.
	SignerKeys []string `mapstructure:"signer_keys"`
	// GatewayURL is the agent gateway's transcript endpoint.
	GatewayURL     string        `mapstructure:"gateway_url"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
}

// StorageConfig holds evidence archive (S3-compatible) configuration.
type StorageConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// EngineConfig holds workflow engine tuning.
type EngineConfig struct {
	Workers            int                       `mapstructure:"workers"`
	MaxWorkflowsTotal  int                       `mapstructure:"max_workflows_total"`
	MaxPerType         map[string]int            `mapstructure:"max_per_type"`
	MaxPerSigner       int                       `mapstructure:"max_per_signer"`
	StepTimeout        time.Duration             `mapstructure:"step_timeout"`
	RetryMaxAttempts   int                       `mapstructure:"retry_max_attempts"`
	RetryInitial       time.Duration             `mapstructure:"retry_initial"`
	RetryCap           time.Duration             `mapstructure:"retry_cap"`
	ReconcileStaleness time.Duration             `mapstructure:"reconcile_staleness"`
	ReconcileSweep     time.Duration             `mapstructure:"reconcile_sweep"`
	TxNotFoundWindow   time.Duration             `mapstructure:"tx_not_found_window"`
	ReceiptTimeout     time.Duration             `mapstructure:"receipt_timeout"`
	LeaseTTL           time.Duration             `mapstructure:"lease_ttl"`
	RPCOutageStalls    bool                      `mapstructure:"rpc_outage_stalls"`
}

// MaxFor returns the per-type cap, or 0 when uncapped.
func (c EngineConfig) MaxFor(t guard.WorkflowType) int {
	return c.MaxPerType[string(t)]
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/chaoschain-gateway")

	v.SetEnvPrefix("CHAOSCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicit binds for nested keys viper's AutomaticEnv misses.
	v.BindEnv("chain.rpc_url", "CHAOSCHAIN_CHAIN_RPC_URL")
	v.BindEnv("chain.gateway_url", "CHAOSCHAIN_CHAIN_GATEWAY_URL")
	v.BindEnv("storage.endpoint", "CHAOSCHAIN_STORAGE_ENDPOINT")
	v.BindEnv("storage.bucket", "CHAOSCHAIN_STORAGE_BUCKET")
	v.BindEnv("database.host", "CHAOSCHAIN_DATABASE_HOST")
	v.BindEnv("database.password", "CHAOSCHAIN_DATABASE_PASSWORD")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Engine.ReconcileSweep > 30*time.Second {
		return nil, fmt.Errorf("engine.reconcile_sweep must be <= 30s, got %s", cfg.Engine.ReconcileSweep)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gateway")
	v.SetDefault("database.password", "gateway")
	v.SetDefault("database.database", "gateway")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Chain defaults
	v.SetDefault("chain.rpc_url", "http://localhost:8545")
	v.SetDefault("chain.gateway_url", "http://localhost:8090")
	v.SetDefault("chain.gateway_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "chaoschain-evidence")
	v.SetDefault("storage.prefix", "")

	// Engine defaults
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.max_workflows_total", 256)
	v.SetDefault("engine.max_per_signer", 32)
	v.SetDefault("engine.step_timeout", "60s")
	v.SetDefault("engine.retry_max_attempts", 5)
	v.SetDefault("engine.retry_initial", "1s")
	v.SetDefault("engine.retry_cap", "30s")
	v.SetDefault("engine.reconcile_staleness", "60s")
	v.SetDefault("engine.reconcile_sweep", "30s")
	v.SetDefault("engine.tx_not_found_window", "2m")
	v.SetDefault("engine.receipt_timeout", "90s")
	v.SetDefault("engine.lease_ttl", "30s")
	v.SetDefault("engine.rpc_outage_stalls", false)

	v.SetDefault("log_level", "info")
}
