package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"feed_relay/internal/domain"
)

type Config struct {
	Feed       FeedConfig      `yaml:"feed"`
	State      StateConfig     `yaml:"state"`
	Sync       SyncConfig      `yaml:"sync"`
	Dispatch   DispatchConfig  `yaml:"dispatch"`
	Routing    RoutingConfig   `yaml:"routing"`
	Publishers PublisherConfig `yaml:"publishers"`
	Lock       LockConfig      `yaml:"lock"`
	Admin      AdminConfig     `yaml:"admin"`
	Monitor    MonitorConfig   `yaml:"monitor"`
	LogLevel   string          `yaml:"log_level"`
}

type FeedConfig struct {
	URL       string        `yaml:"url"`
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
	Retry     RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type StateConfig struct {
	Driver   string         `yaml:"driver"` // file, postgres or sqlite
	Path     string         `yaml:"path"`   // file and sqlite
	Database DatabaseConfig `yaml:"database"`
	Mirror   MirrorConfig   `yaml:"mirror"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// MirrorConfig enables copying the state snapshot to S3 after every commit.
type MirrorConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Key          string `yaml:"key"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type SyncConfig struct {
	// Schedule is a cron spec; it takes precedence over Interval when set.
	Schedule    string        `yaml:"schedule"`
	Interval    time.Duration `yaml:"interval"`
	CycleBudget time.Duration `yaml:"cycle_budget"`
	MaxPerCycle int           `yaml:"max_per_cycle"`
	// RenotifyUpdates is reserved; in-place updates never trigger a new delivery.
	RenotifyUpdates bool `yaml:"renotify_updates"`
}

type DispatchConfig struct {
	// Pace is the minimum gap between two articles. Zero means the default;
	// a negative value turns pacing off.
	Pace       time.Duration `yaml:"pace"`
	Timeout    time.Duration `yaml:"timeout"`
	UTM        bool          `yaml:"utm"`
	Retry      RetryConfig   `yaml:"retry"`
	SummaryMax int           `yaml:"summary_max"`
}

type RoutingConfig struct {
	// Path of the bindings file managed by bind/unbind.
	Path string `yaml:"path"`
	// Enabled lists the channels used when the bindings file does not say otherwise.
	Enabled      []string             `yaml:"enabled"`
	Destinations []domain.Destination `yaml:"destinations"`
	Watch        bool                 `yaml:"watch"`
}

type PublisherConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	APIURL  string `yaml:"api_url"`
	Silent  bool   `yaml:"silent"`
	Caption int    `yaml:"caption_max"`
}

type DiscordConfig struct {
	Username  string `yaml:"username"`
	AvatarURL string `yaml:"avatar_url"`
	Color     int    `yaml:"color"`
}

type WebhookConfig struct {
	Headers map[string]string `yaml:"headers"`
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
}

type LockConfig struct {
	Redis RedisConfig   `yaml:"redis"`
	TTL   time.Duration `yaml:"ttl"`
	Key   string        `yaml:"key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AdminConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type MonitorConfig struct {
	AlertThreshold int `yaml:"alert_threshold"`
	// AlertChannels receive failure and recovery notices. An empty list keeps
	// notices in the log only.
	AlertChannels []string `yaml:"alert_channels"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Feed.UserAgent == "" {
		c.Feed.UserAgent = "FeedRelay/1.0"
	}
	if c.Feed.Timeout == 0 {
		c.Feed.Timeout = 30 * time.Second
	}
	if c.Feed.Retry.MaxAttempts == 0 {
		c.Feed.Retry.MaxAttempts = 3
	}
	if c.Feed.Retry.InitialBackoff == 0 {
		c.Feed.Retry.InitialBackoff = 1 * time.Second
	}
	if c.Feed.Retry.MaxBackoff == 0 {
		c.Feed.Retry.MaxBackoff = 30 * time.Second
	}
	if c.State.Driver == "" {
		c.State.Driver = "file"
	}
	if c.State.Path == "" {
		c.State.Path = "relay_state.json"
	}
	if c.State.Mirror.Key == "" {
		c.State.Mirror.Key = "feed_relay/state.json"
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 2 * time.Minute
	}
	if c.Sync.CycleBudget == 0 {
		c.Sync.CycleBudget = 15 * time.Minute
	}
	if c.Sync.MaxPerCycle == 0 {
		c.Sync.MaxPerCycle = 20
	}
	if c.Dispatch.Pace == 0 {
		c.Dispatch.Pace = 30 * time.Second
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 20 * time.Second
	}
	if c.Dispatch.Retry.MaxAttempts == 0 {
		c.Dispatch.Retry.MaxAttempts = 3
	}
	if c.Dispatch.Retry.InitialBackoff == 0 {
		c.Dispatch.Retry.InitialBackoff = 5 * time.Second
	}
	if c.Dispatch.Retry.MaxBackoff == 0 {
		c.Dispatch.Retry.MaxBackoff = time.Minute
	}
	if c.Dispatch.SummaryMax == 0 {
		c.Dispatch.SummaryMax = 900
	}
	if c.Routing.Path == "" {
		c.Routing.Path = "destinations.json"
	}
	if len(c.Routing.Enabled) == 0 {
		c.Routing.Enabled = []string{"telegram", "discord"}
	}
	if c.Publishers.Discord.Username == "" {
		c.Publishers.Discord.Username = "Feed Relay"
	}
	if c.Publishers.Discord.Color == 0 {
		c.Publishers.Discord.Color = 0x0B0F14
	}
	if c.Publishers.Telegram.Caption == 0 {
		c.Publishers.Telegram.Caption = 1024
	}
	if c.Publishers.RabbitMQ.Exchange == "" {
		c.Publishers.RabbitMQ.Exchange = "feed_relay"
	}
	if c.Publishers.RabbitMQ.RoutingKey == "" {
		c.Publishers.RabbitMQ.RoutingKey = "articles"
	}
	if c.Publishers.RabbitMQ.QueueName == "" {
		c.Publishers.RabbitMQ.QueueName = "relay_articles"
	}
	if c.Publishers.Kafka.ClientID == "" {
		c.Publishers.Kafka.ClientID = "feed_relay"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = c.Sync.CycleBudget + time.Minute
	}
	if c.Lock.Key == "" {
		c.Lock.Key = "feed_relay:cycle"
	}
	if c.Monitor.AlertThreshold == 0 {
		c.Monitor.AlertThreshold = 5
	}
	if c.Monitor.AlertChannels == nil {
		c.Monitor.AlertChannels = []string{"telegram", "discord"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	}
	switch c.State.Driver {
	case "file", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("state.driver %q is not one of file, sqlite, postgres", c.State.Driver))
	}
	if c.State.Mirror.Enabled && c.State.Mirror.Bucket == "" {
		errs = append(errs, errors.New("state.mirror.bucket is required when the mirror is enabled"))
	}
	if c.Sync.RenotifyUpdates {
		errs = append(errs, errors.New("sync.renotify_updates is not supported"))
	}
	if c.Sync.MaxPerCycle < 0 {
		errs = append(errs, errors.New("sync.max_per_cycle must not be negative"))
	}
	return errors.Join(errs...)
}
