package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"convobot/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"

	OnStateNotFoundFallback = "fallback"
	OnStateNotFoundDrop     = "drop"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	FSM        FSMConfig        `yaml:"fsm"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Bot        BotConfig        `yaml:"bot"`
}

// FSMConfig is the state machine configuration surface.
type FSMConfig struct {
	InitialState      string        `yaml:"initial_state"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxCommitRetries  int           `yaml:"max_commit_retries"`
	OnStateNotFound   string        `yaml:"on_state_not_found"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	QueueSize         int           `yaml:"queue_size"`
	DeliveryQueueSize int           `yaml:"delivery_queue_size"`
	DeliveryTimeout   time.Duration `yaml:"delivery_timeout"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Failover serves from process memory while the backend is unavailable.
	Failover bool `yaml:"failover"`
}

type BotConfig struct {
	RateLimitMessages int `yaml:"rate_limit_messages"`
	RateLimitWindow   int `yaml:"rate_limit_window"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	Debug    bool   `yaml:"debug"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" || c.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE" {
		return errors.New("telegram bot token is required")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis storage")
		}
	case BackendSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Backup.Enabled && c.Storage.Backend != BackendSQLite {
		return errors.New("backup requires sqlite storage")
	}

	return c.FSM.Validate()
}

func (c FSMConfig) Validate() error {
	if c.InitialState == "" {
		return errors.New("fsm initial state is required")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("fsm idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.MaxCommitRetries < 0 {
		return fmt.Errorf("fsm max commit retries must not be negative, got %d", c.MaxCommitRetries)
	}
	switch c.OnStateNotFound {
	case OnStateNotFoundFallback, OnStateNotFoundDrop:
	default:
		return fmt.Errorf("fsm on_state_not_found must be %q or %q, got %q",
			OnStateNotFoundFallback, OnStateNotFoundDrop, c.OnStateNotFound)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.FSM.InitialState == "" {
		c.FSM.InitialState = string(models.DefaultInitialState)
	}
	if c.FSM.IdleTimeout == 0 {
		c.FSM.IdleTimeout = models.DefaultIdleTimeout
	}
	if c.FSM.MaxCommitRetries == 0 {
		c.FSM.MaxCommitRetries = models.DefaultMaxCommitRetries
	}
	if c.FSM.OnStateNotFound == "" {
		c.FSM.OnStateNotFound = OnStateNotFoundFallback
	}
	if c.FSM.SweepInterval == 0 {
		c.FSM.SweepInterval = models.DefaultSweepInterval
	}
	if c.FSM.QueueSize == 0 {
		c.FSM.QueueSize = models.DefaultQueueSize
	}
	if c.FSM.DeliveryQueueSize == 0 {
		c.FSM.DeliveryQueueSize = models.DefaultDeliveryQueueSize
	}
	if c.FSM.DeliveryTimeout == 0 {
		c.FSM.DeliveryTimeout = models.DefaultDeliveryTimeout
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}

	// Bot defaults
	if c.Bot.RateLimitMessages == 0 {
		c.Bot.RateLimitMessages = models.RateLimitMessages
	}
	if c.Bot.RateLimitWindow == 0 {
		c.Bot.RateLimitWindow = models.RateLimitWindow
	}
}
