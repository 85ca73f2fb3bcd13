// Package config loads the eventfn TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/toolink/eventfn/docstore"
	"github.com/toolink/eventfn/notify"
	"github.com/toolink/eventfn/ratelimit"
	"github.com/toolink/eventfn/trending"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrUnknownDriver         = errors.New("unknown store driver")
)

// CurrentVersion is the config file layout this build understands.
const CurrentVersion = 1

// FileName is searched for in SearchPaths when no explicit path is given.
const FileName = "eventfn.toml"

// SearchPaths lists the directories searched for FileName, in order.
var SearchPaths = []string{".", "config", "/etc/eventfn"}

// Config is the whole configuration.
type Config struct {
	Version   int              `koanf:"version"`
	Log       Log              `koanf:"log"`
	Redis     Redis            `koanf:"redis"`
	Store     Store            `koanf:"store"`
	HTTP      HTTP             `koanf:"http"`
	Queue     Queue            `koanf:"queue"`
	RateLimit ratelimit.Config `koanf:"rate_limit"`
	Trending  trending.Config  `koanf:"trending"`
	Notify    notify.Config    `koanf:"notify"`
}

type Log struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

type Redis struct {
	Addr     string `koanf:"addr"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type Store struct {
	Driver       string `koanf:"driver"` // memory or redis
	KeyPrefix    string `koanf:"key_prefix"`
	MaxBatchSize int    `koanf:"max_batch_size"`
	TxRetries    int    `koanf:"tx_retries"`
}

type HTTP struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type Queue struct {
	KeyPrefix        string        `koanf:"key_prefix"`
	ChatTopic        string        `koanf:"chat_topic"`
	BlockTime        time.Duration `koanf:"block_time"`
	ChatConcurrency  int           `koanf:"chat_concurrency"`
	ChatMaxAttempts  int           `koanf:"chat_max_attempts"`
	HandlerTimeout   time.Duration `koanf:"handler_timeout"`
	ListMaxLen       int64         `koanf:"list_max_len"`
	PublishTimeout   time.Duration `koanf:"publish_timeout"`
	SchedulerLockTTL time.Duration `koanf:"scheduler_lock_ttl"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Version: CurrentVersion,
		Log:     Log{Level: "info"},
		Redis:   Redis{Addr: "localhost:6379"},
		Store: Store{
			Driver:       docstore.DriverRedis,
			KeyPrefix:    "eventfn:",
			MaxBatchSize: docstore.DefaultMaxBatchSize,
			TxRetries:    10,
		},
		HTTP: HTTP{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Queue: Queue{
			KeyPrefix:        "eventfn:queue:",
			ChatTopic:        "chat.message.created",
			BlockTime:        5 * time.Second,
			ChatConcurrency:  4,
			ChatMaxAttempts:  5,
			HandlerTimeout:   30 * time.Second,
			PublishTimeout:   5 * time.Second,
			SchedulerLockTTL: 10 * time.Minute,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Trending:  trending.DefaultConfig(),
		Notify:    notify.DefaultConfig(),
	}
}

// Load reads the config file at path, or the first FileName found in
// SearchPaths when path is empty, on top of Default.
func Load(path string) (*Config, string, error) {
	if path == "" {
		found, err := find()
		if err != nil {
			return nil, "", err
		}
		path = found
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, "", fmt.Errorf("failed to load %s: %w", path, err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, path, nil
}

func find() (string, error) {
	for _, dir := range SearchPaths {
		candidate := dir + "/" + FileName
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, FileName)
}

// Validate checks the configuration and prepares the component configs.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrConfigVersionMismatch, c.Version, CurrentVersion)
	}
	switch c.Store.Driver {
	case docstore.DriverMemory, docstore.DriverRedis:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
	if err := c.RateLimit.ValidateAndPrepare(); err != nil {
		return err
	}
	if err := c.Trending.ValidateAndPrepare(); err != nil {
		return err
	}
	return c.Notify.ValidateAndPrepare()
}

// StoreOptions translates the store section into docstore options.
func (c *Config) StoreOptions() []docstore.Option {
	return []docstore.Option{
		docstore.WithKeyPrefix(c.Store.KeyPrefix),
		docstore.WithMaxBatchSize(c.Store.MaxBatchSize),
		docstore.WithTxRetries(c.Store.TxRetries),
	}
}
