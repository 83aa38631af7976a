package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var envOverrides = map[string]func(*Config, string){
	"DB_USERNAME": func(c *Config, v string) { c.DB.Username = v },
	"DB_PASSWORD": func(c *Config, v string) { c.DB.Password = v },
	"RPC_URL":     func(c *Config, v string) { c.Chain.RPCURL = v },
}

type Config struct {
	DB      DB            `toml:"db"`
	Indexer Indexer       `toml:"indexer"`
	Timeout TimeoutConfig `toml:"timeout"`
	Buffer  Buffer        `toml:"buffer"`
	Chain   Chain         `toml:"chain"`
	Metrics Metrics       `toml:"metrics"`
	Logger  logger.Config `toml:"logger"`
	Sources []Source      `toml:"sources"`
}

var DefaultConfig = Config{
	DB:      defaultDB,
	Indexer: defaultIndexer,
	Timeout: defaultTimeout,
	Buffer:  defaultBuffer,
	Logger:  logger.DefaultConfig(),
}

type DB struct {
	Driver           string `toml:"driver"`
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	DBName           string `toml:"db_name"`
	Path             string `toml:"path"` // sqlite only
	LogQueries       bool   `toml:"log_queries"`
	DropTableAtStart bool   `toml:"drop_table_at_start"`
}

var defaultDB = DB{
	Driver: DriverPostgres,
	Host:   "localhost",
	Port:   5432,
}

type TimeoutConfig struct {
	BackoffMaxElapsedTimeSeconds int `toml:"backoff_max_elapsed_time_seconds"`
	RequestTimeoutMillis         int `toml:"request_timeout_millis"`
	MaxAttempts                  int `toml:"max_attempts"`
	BaseBackoffMillis            int `toml:"base_backoff_millis"`
	ShutdownTimeoutSeconds       int `toml:"shutdown_timeout_seconds"`
}

var defaultTimeout = TimeoutConfig{
	BackoffMaxElapsedTimeSeconds: 300,
	RequestTimeoutMillis:         10000,
	MaxAttempts:                  5,
	BaseBackoffMillis:            500,
	ShutdownTimeoutSeconds:       30,
}

type Indexer struct {
	WindowSize         uint64 `toml:"window_size"`
	MaxConcurrency     int    `toml:"max_concurrency"`
	CheckpointInterval int    `toml:"checkpoint_interval"`
	GroupDelayMillis   int    `toml:"group_delay_millis"`
	Confirmations      uint64 `toml:"confirmations"`
	MaxBlocksPerRun    uint64 `toml:"max_blocks_per_run"`
	EndBlockNumber     uint64 `toml:"end_block_number"`
	PollIntervalMillis int    `toml:"poll_interval_millis"`
}

var defaultIndexer = Indexer{
	WindowSize:         2000,
	MaxConcurrency:     4,
	CheckpointInterval: 5,
	GroupDelayMillis:   250,
	PollIntervalMillis: 12000,
}

type Buffer struct {
	Enabled             bool `toml:"enabled"`
	FlushIntervalMillis int  `toml:"flush_interval_millis"`
	BatchSize           int  `toml:"batch_size"`
}

var defaultBuffer = Buffer{
	FlushIntervalMillis: 5000,
	BatchSize:           1000,
}

type Chain struct {
	RPCURL            string  `toml:"rpc_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

type Metrics struct {
	Address string `toml:"address"`
}

// Source binds a source kind from the registry to a deployed contract.
type Source struct {
	ID              string `toml:"id"`
	Kind            string `toml:"kind"`
	DisplayName     string `toml:"display_name"`
	Address         string `toml:"address"`
	ColdStartHeight uint64 `toml:"cold_start_height"`
}

func ReadFile(filepath string, cfg interface{}) error {
	_, err := toml.DecodeFile(filepath, cfg)
	return err
}

func (cfg *Config) ApplyEnvOverrides() {
	for env, override := range envOverrides {
		if val, ok := os.LookupEnv(env); ok {
			override(cfg, val)
		}
	}
}

func CheckParameters(cfg *Config) error {
	if cfg.Indexer.WindowSize == 0 {
		return errors.New("window_size should be set to a positive integer")
	}

	if cfg.Indexer.MaxConcurrency <= 0 {
		return errors.New("max_concurrency should be set to a positive integer")
	}

	if cfg.Indexer.CheckpointInterval <= 0 {
		return errors.New("checkpoint_interval should be set to a positive integer")
	}

	if cfg.Timeout.MaxAttempts <= 0 {
		return errors.New("max_attempts should be set to a positive integer")
	}

	if cfg.Chain.RPCURL == "" {
		return errors.New("chain rpc_url must be provided")
	}

	if len(cfg.Sources) == 0 {
		return errors.New("at least one source must be configured")
	}

	switch cfg.DB.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if cfg.DB.Path == "" {
			return errors.New("db path must be provided for the sqlite driver")
		}
	default:
		return errors.Errorf("unsupported db driver %q", cfg.DB.Driver)
	}

	if cfg.Buffer.Enabled && cfg.Buffer.FlushIntervalMillis <= 0 {
		return errors.New("buffer flush_interval_millis should be set to a positive integer")
	}

	return nil
}
