package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
)

// EnvPrefix is the prefix of every secret read from the environment.
const EnvPrefix = "WARDEN"

// Ledger backends
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerMemory   = "memory"
)

// Config represents the warden configuration
type Config struct {
	Chains        ChainsConfig     `yaml:"chains"`
	ContractsFile string           `yaml:"contracts_file" default:"contract_info.json" validate:"required"`
	Scanner       ScannerConfig    `yaml:"scanner"`
	Relay         RelayConfig      `yaml:"relay"`
	Ledger        LedgerConfig     `yaml:"ledger"`
	Database      DatabaseConfig   `yaml:"database"`
	Redis         RedisConfig      `yaml:"redis"`
	Signer        SignerConfig     `yaml:"signer"`
	Server        ServerConfig     `yaml:"server"`
	Monitoring    MonitoringConfig `yaml:"monitoring"`
	Logging       LoggingConfig    `yaml:"logging"`
}

// ChainsConfig binds each chain role to one endpoint
type ChainsConfig struct {
	Source      ChainConfig `yaml:"source"`
	Destination ChainConfig `yaml:"destination"`
}

// ChainConfig contains settings of one JSON-RPC endpoint
type ChainConfig struct {
	RPCURL string `yaml:"rpc_url" validate:"required,url"`
	// ChainID is checked against the node when set; zero means "ask the node".
	ChainID    int64         `yaml:"chain_id" validate:"gte=0"`
	RPCTimeout time.Duration `yaml:"rpc_timeout" default:"10s" validate:"gt=0"`
	// MaxGasPrice caps the suggested gas price (wei, decimal string). Empty means no cap.
	MaxGasPrice string `yaml:"max_gas_price" validate:"omitempty,numeric"`
}

// ScannerConfig contains event scanning settings
type ScannerConfig struct {
	LookbackBlocks uint64 `yaml:"lookback_blocks" default:"5"`
	// MaxBatch pre-splits the window into ranges of at most this many blocks; zero queries the full window.
	MaxBatch uint64 `yaml:"max_batch"`
}

// RelayConfig contains dispatch settings
type RelayConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts" default:"5" validate:"gte=1"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" default:"1s"`
	MaxBackoff      time.Duration `yaml:"max_backoff" default:"30s"`
	GasLimitCap     uint64        `yaml:"gas_limit_cap" default:"500000" validate:"gt=0"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" default:"2m" validate:"gt=0"`
	CycleTimeout    time.Duration `yaml:"cycle_timeout" default:"5m" validate:"gt=0"`
	Interval        time.Duration `yaml:"interval" default:"15s" validate:"gt=0"`
	PendingTimeout  time.Duration `yaml:"pending_timeout" default:"10m" validate:"gt=0"`
	ReconcileEvery  time.Duration `yaml:"reconcile_interval" default:"1m" validate:"gt=0"`

	// SubmittedTimeout is how long a submitted relay may go without a receipt
	// before a transaction unknown to the node is marked as dropped.
	SubmittedTimeout time.Duration `yaml:"submitted_timeout" default:"30m" validate:"gt=0"`
	// TokenDecimals is only used to render amounts in metrics and the records API.
	TokenDecimals int32 `yaml:"token_decimals" default:"18" validate:"gte=0,lte=36"`
}

// LedgerConfig selects the relay ledger backend
type LedgerConfig struct {
	Backend string `yaml:"backend" default:"postgres" validate:"oneof=postgres redis memory"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"5432"`
	User     string `yaml:"user" default:"warden"`
	Password string `yaml:"password"`
	Database string `yaml:"database" default:"warden"`
	SSLMode  string `yaml:"ssl_mode" default:"disable"`
}

// RedisConfig contains redis connection settings
type RedisConfig struct {
	Address      string        `yaml:"address" default:"localhost:6379"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix" default:"warden"`
	MaxIdle      int           `yaml:"max_idle" default:"4"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"5s"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"5s"`
}

// SignerConfig locates the warden key. The hex key and the keystore
// passphrase are only ever read from the environment.
type SignerConfig struct {
	KeystoreFile     string `yaml:"keystore_file"`
	PrivateKey       string `yaml:"-"`
	KeystorePassword string `yaml:"-"`
}

// ServerConfig contains ops HTTP server settings
type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"30s"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	// Disabled turns off the /metrics route.
	Disabled bool `yaml:"disabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	OutputPath string `yaml:"output_path" default:"stdout"`
}

// Secrets are overlaid from WARDEN_* environment variables after the file is read.
type Secrets struct {
	PrivateKey       string `envconfig:"PRIVATE_KEY"`
	KeystorePassword string `envconfig:"KEYSTORE_PASSWORD"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, apperrors.ConfigError(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse builds a Config from YAML, applies defaults, the env secret overlay and validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.ConfigError(err, "failed to unmarshal config")
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, apperrors.ConfigError(err, "failed to apply config defaults")
	}

	var secrets Secrets
	if err := envconfig.Process(EnvPrefix, &secrets); err != nil {
		return nil, apperrors.ConfigError(err, "failed to read environment")
	}
	cfg.applySecrets(secrets)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySecrets(s Secrets) {
	c.Signer.PrivateKey = s.PrivateKey
	c.Signer.KeystorePassword = s.KeystorePassword
	if s.DatabasePassword != "" {
		c.Database.Password = s.DatabasePassword
	}
	if s.RedisPassword != "" {
		c.Redis.Password = s.RedisPassword
	}
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return apperrors.ConfigError(err, "config validation failed")
	}
	if c.Relay.MaxBackoff < c.Relay.InitialBackoff {
		return apperrors.ConfigError(nil, "relay.max_backoff must not be lower than relay.initial_backoff")
	}
	// the reconciler must never reclaim a record its dispatcher still owns
	if c.Relay.PendingTimeout <= c.Relay.DispatchTimeout {
		return apperrors.ConfigError(nil, "relay.pending_timeout must be greater than relay.dispatch_timeout")
	}
	if c.Relay.SubmittedTimeout <= c.Relay.DispatchTimeout {
		return apperrors.ConfigError(nil, "relay.submitted_timeout must be greater than relay.dispatch_timeout")
	}
	if c.Ledger.Backend == LedgerPostgres && c.Database.Host == "" {
		return apperrors.ConfigError(nil, "database.host is required for the postgres ledger")
	}
	if c.Ledger.Backend == LedgerRedis && c.Redis.Address == "" {
		return apperrors.ConfigError(nil, "redis.address is required for the redis ledger")
	}
	return nil
}

// Chain returns the endpoint settings for a role name.
func (c *Config) Chain(role string) (*ChainConfig, error) {
	switch role {
	case "source":
		return &c.Chains.Source, nil
	case "destination":
		return &c.Chains.Destination, nil
	default:
		return nil, apperrors.ConfigError(nil, fmt.Sprintf("unknown chain role %q", role))
	}
}
