package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"FolioPull/pkg/util"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`

	Log struct {
		Level     string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format    string `yaml:"format" default:"json" validate:"oneof=json console"`
		Output    string `yaml:"output" default:"stdout"`
		MaxSizeMB int    `yaml:"max_size_mb" default:"100"`
		MaxBackup int    `yaml:"max_backups" default:"5"`
		MaxAgeDay int    `yaml:"max_age_days" default:"30"`
		Compress  bool   `yaml:"compress"`
		Collector struct {
			Enabled        bool          `yaml:"enabled"`
			Topic          string        `yaml:"topic" default:"foliopull.logs"`
			FlushInterval  time.Duration `yaml:"flush_interval" default:"30s"`
			CountThreshold int           `yaml:"count_threshold" default:"100"`
		} `yaml:"collector"`
	} `yaml:"log"`

	Server struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		CORSOrigins     []string      `yaml:"cors_origins"`
		RateLimit       struct {
			RPS   float64 `yaml:"rps" default:"5"`
			Burst int     `yaml:"burst" default:"20"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Aggregator AggregatorConfig `yaml:"aggregator"`
	Retry      RetryConfig      `yaml:"retry"`
	Sources    []SourceConfig   `yaml:"sources" validate:"required,min=1,dive"`
	Sinks      SinksConfig      `yaml:"sinks"`

	EmissionStore struct {
		Backend string `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
	} `yaml:"emission_store"`

	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		Compression  string   `yaml:"compression" default:"snappy"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"5"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id" default:"foliopull-archiver"`
			Workers    int           `yaml:"workers" default:"2"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"200ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`

	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"default"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port" default:"5432"`
		Database string `yaml:"database" default:"foliopull"`
		User     string `yaml:"user" default:"postgres"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode" default:"disable" validate:"oneof=disable allow prefer require verify-ca verify-full"`
		MinConns int    `yaml:"min_conns" default:"1"`
		MaxConns int    `yaml:"max_conns" default:"4"`
	} `yaml:"postgres"`

	Redis struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port" default:"6379"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size" default:"10"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
		DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
		Prefix       string        `yaml:"prefix" default:"foliopull"`
	} `yaml:"redis"`
}

type AggregatorConfig struct {
	ExpectedSources []string `yaml:"expected_sources" validate:"required,min=1,unique"`
	// IntervalSeconds of 86400 selects calendar-day mode.
	IntervalSeconds int           `yaml:"aggregation_interval_seconds" default:"3600" validate:"min=1"`
	PollInterval    time.Duration `yaml:"poll_interval" default:"1m"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" default:"30s"`
	DayBoundary     struct {
		CutoffHour       int           `yaml:"cutoff_hour" validate:"min=0,max=23"`
		Timezone         string        `yaml:"timezone" default:"UTC"`
		BusinessCalendar string        `yaml:"business_calendar" validate:"omitempty,oneof=weekdays"`
		Holidays         []string      `yaml:"holidays"`
		GracePeriod      time.Duration `yaml:"grace_period"`
	} `yaml:"day_boundary"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" default:"3" validate:"min=1"`
	BaseDelay   time.Duration `yaml:"base_delay" default:"500ms"`
	MaxDelay    time.Duration `yaml:"max_delay" default:"10s"`
	Jitter      float64       `yaml:"jitter" default:"0.3" validate:"min=0,max=1"`
}

type SourceConfig struct {
	ID       string        `yaml:"id" validate:"required"`
	Type     string        `yaml:"type" validate:"required"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	Binance struct {
		APIKey        string  `yaml:"api_key"`
		APISecret     string  `yaml:"api_secret"`
		BaseURL       string  `yaml:"base_url"`
		Quote         string  `yaml:"quote" default:"USDT"`
		DustThreshold float64 `yaml:"dust_threshold" default:"1"`
	} `yaml:"binance"`

	IBFlex struct {
		Token           string        `yaml:"token"`
		BalanceQueryID  string        `yaml:"balance_query_id"`
		PositionQueryID string        `yaml:"position_query_id"`
		RequestURL      string        `yaml:"request_url"`
		StatementURL    string        `yaml:"statement_url"`
		Timezone        string        `yaml:"timezone" default:"America/New_York"`
		PollAttempts    int           `yaml:"poll_attempts" default:"10"`
		PollDelay       time.Duration `yaml:"poll_delay" default:"5s"`
	} `yaml:"ibflex"`

	HTTPJSON struct {
		URL     string            `yaml:"url"`
		Headers map[string]string `yaml:"headers"`
		RPS     float64           `yaml:"rps"`
		Burst   int               `yaml:"burst"`
	} `yaml:"http_json"`

	Static struct {
		Balance   float64 `yaml:"balance"`
		Positions []struct {
			Symbol         string  `yaml:"symbol"`
			Multiplier     int64   `yaml:"multiplier"`
			Quantity       float64 `yaml:"quantity"`
			DollarQuantity float64 `yaml:"dollar_quantity"`
		} `yaml:"positions"`
	} `yaml:"static"`
}

type SinksConfig struct {
	MaxPending   int           `yaml:"max_pending" default:"1000"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"30s"`

	ClickHouse struct {
		Enabled bool   `yaml:"enabled"`
		Table   string `yaml:"table" default:"portfolio_snapshots"`
	} `yaml:"clickhouse"`
	Postgres struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"postgres"`
	Kafka struct {
		Enabled bool   `yaml:"enabled"`
		Topic   string `yaml:"topic" default:"foliopull.snapshots"`
	} `yaml:"kafka"`
	Redis struct {
		Enabled    bool `yaml:"enabled"`
		HistoryLen int  `yaml:"history_len" default:"100"`
	} `yaml:"redis"`
	S3 struct {
		Enabled         bool   `yaml:"enabled"`
		Bucket          string `yaml:"bucket"`
		Prefix          string `yaml:"prefix" default:"snapshots"`
		Region          string `yaml:"region" default:"us-east-1"`
		Endpoint        string `yaml:"endpoint"`
		PathStyle       bool   `yaml:"path_style"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
	} `yaml:"s3"`
	Telegram struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
		ChatID  string `yaml:"chat_id"`
	} `yaml:"telegram"`
	WebSocket struct {
		Enabled bool `yaml:"enabled"`
		Buffer  int  `yaml:"buffer" default:"16"`
	} `yaml:"websocket"`
}

var validate = validator.New()

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// LoadWithEnv loads envFile (when it exists) into the environment, then the
// YAML file, then applies FOLIOPULL_* overrides. Secrets are normally
// supplied this way rather than in the YAML.
func LoadWithEnv(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyEnv(os.Getenv)
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) finish() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	for i := range c.Sources {
		if err := defaults.Set(&c.Sources[i]); err != nil {
			return fmt.Errorf("apply defaults: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// applyEnv overrides values from the environment. Per-source secrets use
// FOLIOPULL_SOURCE_<ID>_<KEY> with the id upper-cased.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("FOLIOPULL_ENV", &c.Environment)
	set("FOLIOPULL_LOG_LEVEL", &c.Log.Level)
	set("FOLIOPULL_CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)
	set("FOLIOPULL_POSTGRES_PASSWORD", &c.Postgres.Password)
	set("FOLIOPULL_REDIS_PASSWORD", &c.Redis.Password)
	set("FOLIOPULL_S3_ACCESS_KEY_ID", &c.Sinks.S3.AccessKeyID)
	set("FOLIOPULL_S3_SECRET_ACCESS_KEY", &c.Sinks.S3.SecretAccessKey)
	set("FOLIOPULL_TELEGRAM_TOKEN", &c.Sinks.Telegram.Token)
	set("FOLIOPULL_TELEGRAM_CHAT_ID", &c.Sinks.Telegram.ChatID)
	if v := getenv("FOLIOPULL_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("FOLIOPULL_SERVER_PORT"); v != "" {
		c.Server.Port = util.ParseIntDefault(v, c.Server.Port)
	}

	for i := range c.Sources {
		s := &c.Sources[i]
		prefix := "FOLIOPULL_SOURCE_" + strings.ToUpper(strings.ReplaceAll(s.ID, "-", "_")) + "_"
		set(prefix+"API_KEY", &s.Binance.APIKey)
		set(prefix+"API_SECRET", &s.Binance.APISecret)
		set(prefix+"TOKEN", &s.IBFlex.Token)
	}
}

// Validate runs the struct tag rules and the cross-field checks the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.EmissionStore.Backend == "redis" && c.Redis.Host == "" {
		return fmt.Errorf("emission_store.backend=redis requires redis.host")
	}
	if c.Sinks.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("sinks.redis requires redis.host")
	}
	if (c.Sinks.ClickHouse.Enabled || c.Kafka.Consumer.Enabled) && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse sink requires clickhouse.host")
	}
	if c.Sinks.Postgres.Enabled && c.Postgres.Host == "" {
		return fmt.Errorf("sinks.postgres requires postgres.host")
	}
	if (c.Sinks.Kafka.Enabled || c.Kafka.Consumer.Enabled || c.Log.Collector.Enabled) && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka features require kafka.brokers")
	}
	if c.Sinks.S3.Enabled && c.Sinks.S3.Bucket == "" {
		return fmt.Errorf("sinks.s3 requires bucket")
	}
	return nil
}
