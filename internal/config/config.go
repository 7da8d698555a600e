package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/oplink/clinic-tracker/internal/model"
)

type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Redis         RedisConfig        `mapstructure:"redis"`
	SMTP          SMTPConfig         `mapstructure:"smtp"`
	Push          PushConfig         `mapstructure:"push"`
	Scraper       ScraperConfig      `mapstructure:"scraper"`
	Notifications NotificationConfig `mapstructure:"notifications"`
}

type ServerConfig struct {
	Port           int `mapstructure:"port" validate:"required,min=1,max=65535"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	URL          string        `mapstructure:"url" validate:"required"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

type PushConfig struct {
	ProviderURL string `mapstructure:"provider_url"`
	Token       string `mapstructure:"token"`
}

type ScraperConfig struct {
	Timezone         string                     `mapstructure:"timezone" validate:"required"`
	IntervalMinutes  int                        `mapstructure:"interval_minutes" validate:"min=1"`
	RequestTimeout   time.Duration              `mapstructure:"request_timeout"`
	MasterDataCron   string                     `mapstructure:"master_data_cron"`
	MorningSyncCron  string                     `mapstructure:"morning_sync_cron"`
	JitterMinSeconds float64                    `mapstructure:"jitter_min_seconds"`
	JitterMaxSeconds float64                    `mapstructure:"jitter_max_seconds"`
	RatePerSecond    float64                    `mapstructure:"rate_per_second"`
	Hospitals        []string                   `mapstructure:"hospitals" validate:"required,min=1"`
	SessionOpenings  map[string]model.ClockTime `mapstructure:"session_openings"`
}

type NotificationConfig struct {
	BrokerChannel string `mapstructure:"broker_channel"`
}

// Secrets overlays credential material from the environment so it never has
// to live in config.yaml. Processed with the TRACKER_ prefix.
type Secrets struct {
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	SMTPPassword     string `envconfig:"SMTP_PASSWORD"`
	PushToken        string `envconfig:"PUSH_TOKEN"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var secrets Secrets
	if err := envconfig.Process("tracker", &secrets); err != nil {
		return nil, fmt.Errorf("failed to process env secrets: %w", err)
	}
	if secrets.DatabasePassword != "" {
		config.Database.Password = secrets.DatabasePassword
	}
	if secrets.SMTPPassword != "" {
		config.SMTP.Password = secrets.SMTPPassword
	}
	if secrets.PushToken != "" {
		config.Push.Token = secrets.PushToken
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if len(config.Scraper.SessionOpenings) > 0 {
		overrides := make(map[model.SessionType]model.ClockTime, len(config.Scraper.SessionOpenings))
		for k, v := range config.Scraper.SessionOpenings {
			st, err := model.ParseSessionType(k)
			if err != nil {
				return nil, fmt.Errorf("invalid session opening override: %w", err)
			}
			overrides[st] = v
		}
		model.SetSessionOpenings(overrides)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.timeoutSeconds", 30)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.retry_backoff", time.Second)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)
	viper.SetDefault("scraper.timezone", "Asia/Taipei")
	viper.SetDefault("scraper.interval_minutes", 3)
	viper.SetDefault("scraper.request_timeout", 30*time.Second)
	viper.SetDefault("scraper.master_data_cron", "30 2 * * *")
	viper.SetDefault("scraper.morning_sync_cron", "0 8 * * *")
	viper.SetDefault("scraper.jitter_min_seconds", 1.0)
	viper.SetDefault("scraper.jitter_max_seconds", 3.0)
	viper.SetDefault("scraper.rate_per_second", 1.0)
	viper.SetDefault("notifications.broker_channel", "notifications")
}
