package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultJWTExpiresIn   = "24h"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "wirelead"
	DefaultPGSSLMode      = "disable"
	DefaultWhatsAppStore  = "data/whatsapp.db"
	DefaultDeviceName     = "Wirelead"
	DefaultChatModel      = "gpt-4o-mini"
	DefaultWhisperModel   = "whisper-1"
	DefaultVisionModel    = "gpt-4o-mini"
	DefaultHistoryLimit   = 10
	DefaultSendPerMinute  = 20
	DefaultSendBurst      = 5
	DefaultSyncWorkers    = 8
	DefaultContactResync  = "@every 30m"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	WhatsApp  WhatsAppConfig  `toml:"whatsapp"`
	OpenAI    OpenAIConfig    `toml:"openai"`
	Reply     ReplyConfig     `toml:"reply"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Sync      SyncConfig      `toml:"sync"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" validate:"required"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"gt=0"`
	User     string `toml:"user" validate:"required"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required"`
	SSLMode  string `toml:"sslmode"`
}

type WhatsAppConfig struct {
	// StorePath is the SQLite database holding linked-device credentials.
	StorePath  string `toml:"store_path" validate:"required"`
	DeviceName string `toml:"device_name"`
}

type OpenAIConfig struct {
	APIKey        string `toml:"api_key"`
	BaseURL       string `toml:"base_url"`
	ChatModel     string `toml:"chat_model"`
	WhisperModel  string `toml:"whisper_model"`
	VisionModel   string `toml:"vision_model"`
}

type ReplyConfig struct {
	HistoryLimit   int `toml:"history_limit" validate:"gt=0"`
	TimeoutSeconds int `toml:"timeout_seconds" validate:"gt=0"`
}

type RateLimitConfig struct {
	SendPerMinute int `toml:"send_per_minute" validate:"gt=0"`
	SendBurst     int `toml:"send_burst" validate:"gt=0"`
}

type SyncConfig struct {
	Workers    int    `toml:"workers" validate:"gt=0"`
	ResyncSpec string `toml:"resync_spec"`
}

// DSN builds a keyword/value connection string for pgx.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// URL builds a URL-style connection string for migrations.
func (c PostgresConfig) URL(scheme string) string {
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s?sslmode=%s",
		scheme, c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		WhatsApp: WhatsAppConfig{
			StorePath:  DefaultWhatsAppStore,
			DeviceName: DefaultDeviceName,
		},
		OpenAI: OpenAIConfig{
			ChatModel:    DefaultChatModel,
			WhisperModel: DefaultWhisperModel,
			VisionModel:  DefaultVisionModel,
		},
		Reply: ReplyConfig{
			HistoryLimit:   DefaultHistoryLimit,
			TimeoutSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			SendPerMinute: DefaultSendPerMinute,
			SendBurst:     DefaultSendBurst,
		},
		Sync: SyncConfig{
			Workers:    DefaultSyncWorkers,
			ResyncSpec: DefaultContactResync,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks required fields after defaults and file values are merged.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
