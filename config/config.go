package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendLevelDB  = "leveldb"
)

const (
	defaultMaxBlockRangeSize   = 1000
	defaultBlockIndexInterval  = 15 * time.Second
	defaultRPCTimeout          = 30 * time.Second
	defaultMaxAttempts         = 5
	defaultBackoffBase         = 5 * time.Second
	defaultBackoffMax          = 5 * time.Minute
	defaultConfirmationTimeout = 3 * time.Minute
	defaultReceiptPollInterval = 3 * time.Second
	defaultMinConfirmations    = 1
	defaultGasBumpPercent      = 15
	defaultBreakerThreshold    = 10
	defaultBreakerWindow       = 5 * time.Minute
	defaultBreakerResetTimeout = time.Minute
	defaultLevelDBPath         = "data/relayer.db"
)

// replacement transactions are rejected by geth below a 10% price bump
const minReplacementGasBumpPercent = 10

var ErrConfiguration = errors.New("invalid configuration")

type RPCConfig struct {
	Host    string        `yaml:"host" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ChainConfig struct {
	RPC                *RPCConfig    `yaml:"rpc" validate:"required"`
	ChainID            string        `yaml:"chain_id" validate:"required,numeric"`
	BlockIndexInterval time.Duration `yaml:"block_index_interval"`
	SafeLogsRequest    bool          `yaml:"safe_logs_request"`
}

type BridgeSideConfig struct {
	ChainName          string         `yaml:"chain" validate:"required"`
	Chain              *ChainConfig   `yaml:"-"`
	Address            common.Address `yaml:"address" validate:"required"`
	StartBlock         uint           `yaml:"start_block"`
	BlockConfirmations uint           `yaml:"required_block_confirmations"`
	MaxBlockRangeSize  uint           `yaml:"max_block_range_size"`
}

// BridgeConfig describes the two bridge contracts. Tokens are locked on the
// home side and minted or burned on the foreign side.
type BridgeConfig struct {
	ID      string            `yaml:"id" validate:"required"`
	Home    *BridgeSideConfig `yaml:"home" validate:"required"`
	Foreign *BridgeSideConfig `yaml:"foreign" validate:"required"`
}

type RelayConfig struct {
	MaxAttempts         uint          `yaml:"max_attempts"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	MinConfirmations    uint          `yaml:"min_confirmations"`
	GasBumpPercent      uint          `yaml:"gas_bump_percent"`
	GasLimit            uint64        `yaml:"gas_limit"`
}

type CircuitBreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	Window       time.Duration `yaml:"window"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=postgres leveldb"`
	Path    string `yaml:"path"`
}

type DBConfig struct {
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required"`
	DB       string `yaml:"database" validate:"required"`
}

type PresenterConfig struct {
	Host string `yaml:"host" validate:"required"`
}

type MetricsConfig struct {
	Host string `yaml:"host" validate:"required"`
}

type Config struct {
	Chains         map[string]*ChainConfig `yaml:"chains" validate:"required,dive"`
	Bridge         *BridgeConfig           `yaml:"bridge" validate:"required"`
	Relay          *RelayConfig            `yaml:"relay"`
	CircuitBreaker *CircuitBreakerConfig   `yaml:"circuit_breaker"`
	Store          *StoreConfig            `yaml:"store"`
	DBConfig       *DBConfig               `yaml:"postgres"`
	LogLevel       logrus.Level            `yaml:"log_level"`
	Presenter      *PresenterConfig        `yaml:"presenter"`
	Metrics        *MetricsConfig          `yaml:"metrics"`
}

// GetChainConfig looks up a configured chain by its numeric chain id.
func (cfg *Config) GetChainConfig(chainID string) *ChainConfig {
	for _, chain := range cfg.Chains {
		if chain.ChainID == chainID {
			return chain
		}
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Relay == nil {
		cfg.Relay = new(RelayConfig)
	}
	r := cfg.Relay
	if r.MaxAttempts == 0 {
		r.MaxAttempts = defaultMaxAttempts
	}
	if r.BackoffBase == 0 {
		r.BackoffBase = defaultBackoffBase
	}
	if r.BackoffMax == 0 {
		r.BackoffMax = defaultBackoffMax
	}
	if r.ConfirmationTimeout == 0 {
		r.ConfirmationTimeout = defaultConfirmationTimeout
	}
	if r.ReceiptPollInterval == 0 {
		r.ReceiptPollInterval = defaultReceiptPollInterval
	}
	if r.MinConfirmations == 0 {
		r.MinConfirmations = defaultMinConfirmations
	}
	if r.GasBumpPercent < minReplacementGasBumpPercent {
		r.GasBumpPercent = defaultGasBumpPercent
	}

	if cfg.CircuitBreaker == nil {
		cfg.CircuitBreaker = new(CircuitBreakerConfig)
	}
	if cfg.CircuitBreaker.Threshold == 0 {
		cfg.CircuitBreaker.Threshold = defaultBreakerThreshold
	}
	if cfg.CircuitBreaker.Window == 0 {
		cfg.CircuitBreaker.Window = defaultBreakerWindow
	}
	if cfg.CircuitBreaker.ResetTimeout == 0 {
		cfg.CircuitBreaker.ResetTimeout = defaultBreakerResetTimeout
	}

	if cfg.Store == nil {
		cfg.Store = &StoreConfig{Backend: StoreBackendPostgres}
	}
	if cfg.Store.Backend == StoreBackendLevelDB && cfg.Store.Path == "" {
		cfg.Store.Path = defaultLevelDBPath
	}

	for _, chain := range cfg.Chains {
		if chain.RPC != nil && chain.RPC.Timeout == 0 {
			chain.RPC.Timeout = defaultRPCTimeout
		}
		if chain.BlockIndexInterval == 0 {
			chain.BlockIndexInterval = defaultBlockIndexInterval
		}
	}
	if cfg.Bridge != nil {
		for _, side := range []*BridgeSideConfig{cfg.Bridge.Home, cfg.Bridge.Foreign} {
			if side != nil && side.MaxBlockRangeSize == 0 {
				side.MaxBlockRangeSize = defaultMaxBlockRangeSize
			}
		}
	}
}

func linkChains(cfg *Config) error {
	for _, side := range []*BridgeSideConfig{cfg.Bridge.Home, cfg.Bridge.Foreign} {
		chain, ok := cfg.Chains[side.ChainName]
		if !ok {
			return fmt.Errorf("unknown chain %q: %w", side.ChainName, ErrConfiguration)
		}
		side.Chain = chain
	}
	if cfg.Bridge.Home.Chain.ChainID == cfg.Bridge.Foreign.Chain.ChainID {
		return fmt.Errorf("home and foreign sides use the same chain id %s: %w", cfg.Bridge.Home.Chain.ChainID, ErrConfiguration)
	}
	return nil
}

func ReadConfig(blob []byte) (*Config, error) {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	if err := parseYaml(cfg, blob); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrConfiguration)
	}
	setDefaults(cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %v: %w", err, ErrConfiguration)
	}
	if cfg.Store.Backend == StoreBackendPostgres && cfg.DBConfig == nil {
		return nil, fmt.Errorf("postgres section is required for the postgres store: %w", ErrConfiguration)
	}
	if err := linkChains(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ReadConfigWithEnv(blob []byte) (*Config, error) {
	return ReadConfig([]byte(expandEnv(string(blob))))
}

// ReadConfigFromFile loads an optional .env file next to the working directory
// and then reads the yaml config with environment variables substituted.
func ReadConfigFromFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("can't load .env file: %w", err)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file: %w", err)
	}
	return ReadConfigWithEnv(blob)
}
