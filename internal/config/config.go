// Package config loads server settings: struct defaults, then an optional
// YAML file, then SCADA_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"scada-core/internal/daq"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates levels: SCADA_DAQ__NATS_URL sets daq.nats_url.
const EnvPrefix = "SCADA_"

// PathEnvVar names the environment variable holding the config file path.
const PathEnvVar = "SCADA_CONFIG"

// Config is the full server configuration.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Database    DatabaseConfig    `koanf:"database"`
	HTTP        HTTPConfig        `koanf:"http"`
	Auth        AuthConfig        `koanf:"auth"`
	Cache       CacheConfig       `koanf:"cache"`
	Supervision SupervisionConfig `koanf:"supervision"`
	Alarms      AlarmsConfig      `koanf:"alarms"`
	Tags        TagsConfig        `koanf:"tags"`
	DAQ         DAQConfig         `koanf:"daq"`
	Events      EventsConfig      `koanf:"events"`
	Commands    CommandsConfig    `koanf:"commands"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn" validate:"required"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"gte=1"`
}

type HTTPConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" validate:"required,min=16"`
}

// BreakerConfig mirrors cache.BreakerSettings.
type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gte=1"`
	MaxRequests      uint32        `koanf:"max_requests" validate:"gte=1"`
	Interval         time.Duration `koanf:"interval" validate:"gte=0"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
}

type CacheConfig struct {
	// LockTimeout of zero waits forever.
	LockTimeout   time.Duration `koanf:"lock_timeout" validate:"gte=0"`
	PersistMode   string        `koanf:"persist_mode" validate:"oneof=sync queued"`
	SpoolDir      string        `koanf:"spool_dir" validate:"required_if=PersistMode queued"`
	RetryInterval time.Duration `koanf:"retry_interval" validate:"gt=0"`
	Breaker       BreakerConfig `koanf:"breaker"`
}

type SupervisionConfig struct {
	SweepInterval  time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	UncertainGrace float64       `koanf:"uncertain_grace" validate:"gte=0,lte=1"`
	PIKMin         int64         `koanf:"pik_min" validate:"gte=1"`
	PIKMax         int64         `koanf:"pik_max" validate:"gtfield=PIKMin"`
	TestMode       bool          `koanf:"test_mode"`
}

type OscillationConfig struct {
	Numbers   int           `koanf:"numbers" validate:"gte=0"`
	TimeRange time.Duration `koanf:"time_range" validate:"gte=0"`
	QuietTime time.Duration `koanf:"quiet_time" validate:"gte=0"`
}

type WebhookConfig struct {
	URL          string        `koanf:"url" validate:"omitempty,url"`
	Token        string        `koanf:"token"`
	Template     string        `koanf:"template"`
	Escalation   time.Duration `koanf:"escalation" validate:"gte=0"`
	Cooldown     time.Duration `koanf:"cooldown" validate:"gte=0"`
	DedupeWindow time.Duration `koanf:"dedupe_window" validate:"gte=0"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
}

type AlarmsConfig struct {
	Oscillation     OscillationConfig `koanf:"oscillation"`
	CheckInterval   time.Duration     `koanf:"check_interval" validate:"gt=0"`
	NotifyQueueSize int               `koanf:"notify_queue_size" validate:"gte=1"`
	Webhook         WebhookConfig     `koanf:"webhook"`
}

type ResolverConfig struct {
	BatchSize int           `koanf:"batch_size" validate:"gte=1"`
	PoolSize  int           `koanf:"pool_size" validate:"gte=1"`
	MaxWait   time.Duration `koanf:"max_wait" validate:"gt=0"`
}

type TagsConfig struct {
	Resolver             ResolverConfig `koanf:"resolver"`
	SupervisionQueueSize int            `koanf:"supervision_queue_size" validate:"gte=1"`
}

type DAQConfig struct {
	NATSURL    string       `koanf:"nats_url" validate:"required"`
	ClientName string       `koanf:"client_name"`
	Timeouts   daq.Timeouts `koanf:"timeouts"`
}

type EventsConfig struct {
	// AMQPURL empty logs events instead of publishing them.
	AMQPURL       string        `koanf:"amqp_url"`
	Exchange      string        `koanf:"exchange" validate:"required"`
	QueueSize     int           `koanf:"queue_size" validate:"gte=1"`
	RetryAttempts int           `koanf:"retry_attempts" validate:"gte=1"`
	RetryBackoff  time.Duration `koanf:"retry_backoff" validate:"gte=0"`
}

type CommandsConfig struct {
	HistorySize int `koanf:"history_size" validate:"gte=1"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{MaxOpenConns: 20},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Cache: CacheConfig{
			PersistMode:   "sync",
			RetryInterval: 10 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
			},
		},
		Supervision: SupervisionConfig{
			SweepInterval:  time.Second,
			UncertainGrace: 0.5,
			PIKMin:         100000,
			PIKMax:         999999,
		},
		Alarms: AlarmsConfig{
			Oscillation:     OscillationConfig{Numbers: 6, TimeRange: 60 * time.Second, QuietTime: 5 * time.Minute},
			CheckInterval:   10 * time.Second,
			NotifyQueueSize: 1024,
			Webhook:         WebhookConfig{Timeout: 5 * time.Second},
		},
		Tags: TagsConfig{
			Resolver:             ResolverConfig{BatchSize: 500, PoolSize: 8, MaxWait: 10 * time.Minute},
			SupervisionQueueSize: 256,
		},
		DAQ: DAQConfig{
			NATSURL:    "nats://127.0.0.1:4222",
			ClientName: "scada-core",
			Timeouts:   daq.DefaultTimeouts(),
		},
		Events: EventsConfig{
			Exchange:      "scada.events",
			QueueSize:     4096,
			RetryAttempts: 3,
			RetryBackoff:  time.Second,
		},
		Commands: CommandsConfig{HistorySize: 1000},
	}
}

// Load builds the configuration. path may be empty, in which case
// SCADA_CONFIG is consulted; a missing file is only an error when a path
// was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	defaults := Defaults()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil || explicit {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

var validate = validator.New()

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
