package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"whale-watcher/internal/logging"
	"whale-watcher/internal/retry"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Database   DatabaseConfig   `mapstructure:"database"`
	API        APIConfig        `mapstructure:"api"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// TelegramConfig covers the upstream channel subscription. The bot token is
// the previously-provisioned credential; this service never creates or
// refreshes it.
type TelegramConfig struct {
	BotToken    string      `mapstructure:"bot_token"`
	Channel     string      `mapstructure:"channel"`
	PollTimeout int         `mapstructure:"poll_timeout"`
	Reconnect   RetryConfig `mapstructure:"reconnect"`
}

// LLMConfig governs the extraction model call.
type LLMConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	Temperature  float64       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxTextRunes int           `mapstructure:"max_text_runes"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// PipelineConfig tunes the extraction worker pool and identity policy.
type PipelineConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	IdentityBucket time.Duration `mapstructure:"identity_bucket"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout"`
	StorageRetry   RetryConfig   `mapstructure:"storage_retry"`
}

// DatabaseConfig encapsulates PostgreSQL/TimescaleDB connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// APIConfig describes the query surface.
type APIConfig struct {
	Addr        string        `mapstructure:"addr"`
	AuthEnabled bool          `mapstructure:"auth_enabled"`
	Keys        []string      `mapstructure:"keys"`
	KeyHeader   string        `mapstructure:"key_header"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxLimit    int           `mapstructure:"max_limit"`
}

// AlertingConfig routes operational notifications (hash collisions).
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramNotify `mapstructure:"telegram"`
}

// TelegramNotify describes the ops notification channel.
type TelegramNotify struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DeadLetterConfig locates the durable dead-letter log.
type DeadLetterConfig struct {
	Path string `mapstructure:"path"`
}

// StatsConfig governs the periodic ingest report.
type StatsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Window   time.Duration `mapstructure:"window"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// RetryConfig is the serialized form of a retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// Policy converts the config form into a retry policy value.
func (r RetryConfig) Policy(unbounded bool) retry.Policy {
	return retry.Policy{
		MaxAttempts:  r.MaxAttempts,
		BaseDelay:    r.BaseDelay,
		MaxDelay:     r.MaxDelay,
		JitterFactor: r.Jitter,
		Unbounded:    unbounded,
	}
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHALEWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "whalewatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "whalewatcher")

	v.SetDefault("telegram.channel", "whale_alert")
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.reconnect.base_delay", "1s")
	v.SetDefault("telegram.reconnect.max_delay", "2m")
	v.SetDefault("telegram.reconnect.jitter", 0.3)

	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.max_text_runes", 16000)
	v.SetDefault("llm.retry.max_attempts", 3)
	v.SetDefault("llm.retry.base_delay", "2s")
	v.SetDefault("llm.retry.max_delay", "30s")
	v.SetDefault("llm.retry.jitter", 0.5)

	v.SetDefault("pipeline.workers", 3)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.identity_bucket", "5m")
	v.SetDefault("pipeline.storage_timeout", "10s")
	v.SetDefault("pipeline.storage_retry.max_attempts", 4)
	v.SetDefault("pipeline.storage_retry.base_delay", "500ms")
	v.SetDefault("pipeline.storage_retry.max_delay", "10s")
	v.SetDefault("pipeline.storage_retry.jitter", 0.3)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.auth_enabled", true)
	v.SetDefault("api.key_header", "X-API-Key")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("api.max_limit", 1000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("deadletter.path", "deadletter.jsonl")

	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.interval", "15m")
	v.SetDefault("stats.window", "24h")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be greater than zero")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be greater than zero")
	}
	if c.Pipeline.IdentityBucket <= 0 {
		return fmt.Errorf("pipeline.identity_bucket must be greater than zero")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if c.LLM.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("llm.retry.max_attempts must be greater than zero")
	}
	if c.Pipeline.StorageRetry.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.storage_retry.max_attempts must be greater than zero")
	}
	if c.API.AuthEnabled && len(c.API.Keys) == 0 {
		return fmt.Errorf("api.keys must be set when api.auth_enabled is true")
	}
	if c.Alerting.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
