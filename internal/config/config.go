package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is read from defaults, an optional YAML file and the environment,
// in increasing priority. Nested keys map to env names with "." replaced
// by "_": scheduler.interval <- SCHEDULER_INTERVAL.
type Config struct {
	Env       string          `mapstructure:"env" validate:"oneof=development production test"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Targets   TargetsConfig   `mapstructure:"targets"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
}

type OpsConfig struct {
	Addr           string   `mapstructure:"addr" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Dir   string `mapstructure:"dir" validate:"required"`
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"omitempty,url"` // empty: in-memory stores
	MaxConns        int32         `mapstructure:"max_conns" validate:"min=1"`
	MinConns        int32         `mapstructure:"min_conns" validate:"min=0,ltefield=MaxConns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"` // empty: no cross-replica lease
	LeaseKey string `mapstructure:"lease_key" validate:"required"`
}

type TargetsConfig struct {
	File  string `mapstructure:"file"` // YAML target list used when no database is configured
	Watch bool   `mapstructure:"watch"`
}

type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval" validate:"min=1s"`
	Concurrency  int           `mapstructure:"concurrency" validate:"min=1,max=256"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"min=100ms,max=1m"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

type NotifyConfig struct {
	QueueSize        int           `mapstructure:"queue_size" validate:"min=1"`
	Workers          int           `mapstructure:"workers" validate:"min=1,max=64"`
	Attempts         int           `mapstructure:"attempts" validate:"min=1,max=10"`
	Backoff          time.Duration `mapstructure:"backoff" validate:"min=0"`
	DefaultRecipient string        `mapstructure:"default_recipient"`
	SlackWebhook     string        `mapstructure:"slack_webhook" validate:"omitempty,url"`
	RelayURL         string        `mapstructure:"relay_url" validate:"omitempty,url"`
	RelaySecret      string        `mapstructure:"relay_secret"`
}

type AMQPConfig struct {
	URL          string `mapstructure:"url"` // empty: AMQP transport disabled
	Exchange     string `mapstructure:"exchange" validate:"required_with=URL"`
	ExchangeType string `mapstructure:"exchange_type" validate:"oneof=direct fanout topic"`
	Queue        string `mapstructure:"queue"`
	RoutingKey   string `mapstructure:"routing_key"`
}

func (c Config) Production() bool { return c.Env == "production" }

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Ops.AllowedOrigins = splitList(cfg.Ops.AllowedOrigins)

	if err := validateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load without a config file.
func FromEnv() (Config, error) { return Load("") }

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("ops.addr", "127.0.0.1:8081")
	v.SetDefault("ops.allowed_origins", []string{})

	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lease_key", "uptimewatch:cycle")

	v.SetDefault("targets.file", "")
	v.SetDefault("targets.watch", true)

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.concurrency", 10)
	v.SetDefault("scheduler.probe_timeout", "5s")
	v.SetDefault("scheduler.lease_ttl", "0s")

	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.attempts", 3)
	v.SetDefault("notify.backoff", "2s")
	v.SetDefault("notify.default_recipient", "")
	v.SetDefault("notify.slack_webhook", "")
	v.SetDefault("notify.relay_url", "")
	v.SetDefault("notify.relay_secret", "")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "uptimewatch")
	v.SetDefault("amqp.exchange_type", "direct")
	v.SetDefault("amqp.queue", "uptimewatch.notifications")
	v.SetDefault("amqp.routing_key", "notification")
}

func validateConfig(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			return formatValidationErrors(ve)
		}
		return err
	}
	return nil
}

func formatValidationErrors(ve validator.ValidationErrors) error {
	var sb strings.Builder
	sb.WriteString("config validation failed:\n")
	for _, fe := range ve {
		fmt.Fprintf(&sb, "- field '%s' failed on '%s'\n", fe.Namespace(), fe.Tag())
	}
	return errors.New(sb.String())
}

// splitList normalizes list values that arrive from the environment as a
// single comma-separated string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, p := range strings.Split(item, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
