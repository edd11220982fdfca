package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Kafka     KafkaConfig
	Outbox    OutboxRelayConfig
	Vendors   VendorsConfig
	Pricing   PricingConfig
	Credits   CreditsConfig
	Monitor   MonitorConfig
	Callbacks CallbacksConfig
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	PublicURL       string        `mapstructure:"public_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

// Enabled reports whether a redis address is configured.
func (c *RedisConfig) Enabled() bool {
	return len(c.Addresses) > 0 && c.Addresses[0] != ""
}

type AuthConfig struct {
	// SessionSecret verifies HS256 session tokens. SessionPublicKey (PEM)
	// verifies RS256 tokens and takes precedence when set.
	SessionSecret    string        `mapstructure:"session_secret"`
	SessionPublicKey string        `mapstructure:"session_public_key"`
	SessionIssuer    string        `mapstructure:"session_issuer"`
	CallbackSecret   string        `mapstructure:"callback_secret"`
	CallbackTokenTTL time.Duration `mapstructure:"callback_token_ttl"`
	MonitorSecret    string        `mapstructure:"monitor_secret"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	ClientID           string   `mapstructure:"client_id"`
	EventTopic         string   `mapstructure:"event_topic"`
	DLQTopic           string   `mapstructure:"dlq_topic"`
	CallbackTopic      string   `mapstructure:"callback_topic"`
	CallbackRetryTopic string   `mapstructure:"callback_retry_topic"`
	CallbackDLQTopic   string   `mapstructure:"callback_dlq_topic"`
	CallbackGroup      string   `mapstructure:"callback_group"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type VendorsConfig struct {
	// Mode is "live" or "sandbox". Sandbox runs every task against the
	// in-memory fake client.
	Mode           string        `mapstructure:"mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	KIE            KIEConfig     `mapstructure:"kie"`
	Fal            FalConfig     `mapstructure:"fal"`
	LLM            LLMConfig     `mapstructure:"llm"`
}

type KIEConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	ImageModel string `mapstructure:"image_model"`
}

type FalConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	MergeModel     string `mapstructure:"merge_model"`
	WatermarkModel string `mapstructure:"watermark_model"`
}

type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type PricingConfig struct {
	// VideoModels maps a video model name to its credit cost per video.
	VideoModels       map[string]int `mapstructure:"video_models"`
	DefaultVideoModel string         `mapstructure:"default_video_model"`
	ImageRegenerate   int            `mapstructure:"image_regenerate"`
	Watermark         int            `mapstructure:"watermark"`
	Thumbnail         int            `mapstructure:"thumbnail"`
	MaxVariants       int            `mapstructure:"max_variants"`
	MaxSegments       int            `mapstructure:"max_segments"`
}

type CreditsConfig struct {
	InitialGrant int `mapstructure:"initial_grant"`
	// VendorThreshold is the minimum vendor account balance required to
	// admit new work.
	VendorThreshold int           `mapstructure:"vendor_threshold"`
	VendorCacheTTL  time.Duration `mapstructure:"vendor_cache_ttl"`
}

type MonitorConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	Debounce      time.Duration `mapstructure:"debounce"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	RecordTimeout time.Duration `mapstructure:"record_timeout"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

type CallbacksConfig struct {
	// Mode is "inline" or "kafka".
	Mode string `mapstructure:"mode"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/adflow/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("ADFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.public_url", "http://localhost:8080")
	viper.SetDefault("server.allowed_origins", []string{"*"})
	viper.SetDefault("server.dispatch_timeout", "5m")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("auth.callback_token_ttl", "48h")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("kafka.client_id", "adflow")
	viper.SetDefault("kafka.event_topic", "adflow.workflow.events")
	viper.SetDefault("kafka.dlq_topic", "adflow.workflow.events.dlq")
	viper.SetDefault("kafka.callback_topic", "adflow.vendor.callbacks")
	viper.SetDefault("kafka.callback_retry_topic", "adflow.vendor.callbacks.retry")
	viper.SetDefault("kafka.callback_dlq_topic", "adflow.vendor.callbacks.dlq")
	viper.SetDefault("kafka.callback_group", "adflow-callback-workers")
	viper.SetDefault("outbox.poll_interval", "5s")
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("vendors.mode", "live")
	viper.SetDefault("vendors.request_timeout", "30s")
	viper.SetDefault("vendors.retry_attempts", 3)
	viper.SetDefault("vendors.retry_base_delay", "200ms")
	viper.SetDefault("vendors.kie.base_url", "https://api.kie.ai")
	viper.SetDefault("vendors.kie.image_model", "gpt4o-image")
	viper.SetDefault("vendors.fal.base_url", "https://queue.fal.run")
	viper.SetDefault("vendors.fal.merge_model", "fal-ai/ffmpeg-api/merge-videos")
	viper.SetDefault("vendors.fal.watermark_model", "fal-ai/video-watermark-remover")
	viper.SetDefault("vendors.llm.base_url", "https://openrouter.ai/api/v1")
	viper.SetDefault("vendors.llm.model", "google/gemini-2.5-flash")
	viper.SetDefault("pricing.video_models", map[string]int{"veo3_fast": 60, "veo3": 150, "sora2": 40})
	viper.SetDefault("pricing.default_video_model", "veo3_fast")
	viper.SetDefault("pricing.image_regenerate", 0)
	viper.SetDefault("pricing.watermark", 10)
	viper.SetDefault("pricing.thumbnail", 5)
	viper.SetDefault("pricing.max_variants", 3)
	viper.SetDefault("pricing.max_segments", 5)
	viper.SetDefault("credits.initial_grant", 100)
	viper.SetDefault("credits.vendor_threshold", 800)
	viper.SetDefault("credits.vendor_cache_ttl", "1m")
	viper.SetDefault("monitor.schedule", "@every 1m")
	viper.SetDefault("monitor.debounce", "30s")
	viper.SetDefault("monitor.stale_after", "10m")
	viper.SetDefault("monitor.batch_size", 50)
	viper.SetDefault("monitor.concurrency", 8)
	viper.SetDefault("monitor.record_timeout", "45s")
	viper.SetDefault("monitor.lock_ttl", "2m")
	viper.SetDefault("callbacks.mode", "inline")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// VideoCost returns the credit cost of one video for the given model,
// falling back to the default model when model is empty.
func (p *PricingConfig) VideoCost(model string) (int, bool) {
	if model == "" {
		model = p.DefaultVideoModel
	}
	cost, ok := p.VideoModels[model]
	return cost, ok
}
