package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every load or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config is the full application configuration.
type Config struct {
	AppEnv string `mapstructure:"app_env"`

	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Meta       MetaConfig       `mapstructure:"meta"`
	Automation AutomationConfig `mapstructure:"automation"`
	Outbound   OutboundConfig   `mapstructure:"outbound"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type HTTPConfig struct {
	ListenAddr    string `mapstructure:"listen_addr"    validate:"required"`
	BasePath      string `mapstructure:"base_path"`
	PublicBaseURL string `mapstructure:"public_base_url" validate:"omitempty,url"`
}

type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"      validate:"oneof=postgres sqlite"`
	URL        string `mapstructure:"url"         validate:"required_if=Driver postgres"`
	Schema     string `mapstructure:"schema"`
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	TLS      bool   `mapstructure:"tls"`
}

// RabbitMQConfig is optional; notifications are only published when URL is set.
type RabbitMQConfig struct {
	URL        string `mapstructure:"url"         validate:"omitempty,url"`
	Exchange   string `mapstructure:"exchange"    validate:"required_with=URL"`
	RoutingKey string `mapstructure:"routing_key"`
	Producer   string `mapstructure:"producer"`
}

type MetaConfig struct {
	GraphBaseURL string        `mapstructure:"graph_base_url" validate:"required,url"`
	APIVersion   string        `mapstructure:"api_version"    validate:"required"`
	VerifyToken  string        `mapstructure:"verify_token"`
	AppSecret    string        `mapstructure:"app_secret"`
	Timeout      time.Duration `mapstructure:"timeout"        validate:"min=1s,max=2m"`
}

type AutomationConfig struct {
	Workers     int           `mapstructure:"workers"      validate:"min=1,max=256"`
	QueueSize   int           `mapstructure:"queue_size"   validate:"min=1"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=20"`
	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"min=10ms"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"  validate:"gtefield=BackoffBase"`
	Timeout     time.Duration `mapstructure:"timeout"      validate:"min=1s,max=2m"`
}

type OutboundConfig struct {
	EditWindow time.Duration `mapstructure:"edit_window" validate:"min=1m"`
}

type ResolverConfig struct {
	LegacyFallback bool          `mapstructure:"legacy_fallback"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

type DeadLetterConfig struct {
	Key            string        `mapstructure:"key"             validate:"required"`
	MaxLength      int64         `mapstructure:"max_length"      validate:"min=1"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
	ReplayBatch    int           `mapstructure:"replay_batch"    validate:"min=1"`
	MaxReplays     int           `mapstructure:"max_replays"     validate:"min=0"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// Load reads configuration from defaults, an optional config file and OMNIDESK_* environment variables.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OMNIDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config file: %v", ErrConfiguration, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrConfiguration, err)
	}
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func (c *Config) normalise() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Meta.GraphBaseURL = strings.TrimRight(strings.TrimSpace(c.Meta.GraphBaseURL), "/")
}

// Every key needs a default so that AutomaticEnv can bind it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.base_path", "")
	v.SetDefault("http.public_base_url", "")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.sqlite_path", "omnidesk.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "omnidesk.notifications")
	v.SetDefault("rabbitmq.routing_key", "notification.created")
	v.SetDefault("rabbitmq.producer", "omnidesk")

	v.SetDefault("meta.graph_base_url", "https://graph.facebook.com")
	v.SetDefault("meta.api_version", "v21.0")
	v.SetDefault("meta.verify_token", "")
	v.SetDefault("meta.app_secret", "")
	v.SetDefault("meta.timeout", 15*time.Second)

	v.SetDefault("automation.workers", 4)
	v.SetDefault("automation.queue_size", 256)
	v.SetDefault("automation.max_attempts", 4)
	v.SetDefault("automation.backoff_base", 500*time.Millisecond)
	v.SetDefault("automation.backoff_cap", 15*time.Second)
	v.SetDefault("automation.timeout", 10*time.Second)

	v.SetDefault("outbound.edit_window", 15*time.Minute)

	v.SetDefault("resolver.legacy_fallback", true)
	v.SetDefault("resolver.cache_ttl", time.Minute)

	v.SetDefault("deadletter.key", "omnidesk:deadletter")
	v.SetDefault("deadletter.max_length", 10000)
	v.SetDefault("deadletter.replay_interval", 5*time.Minute)
	v.SetDefault("deadletter.replay_batch", 50)
	v.SetDefault("deadletter.max_replays", 5)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("metrics.namespace", "omnidesk")
}
