package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "MURMUR"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "murmur.db"
	defaultMembershipPath    = "membership.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "murmur_session"
	defaultSessionIssuer     = "murmur-auth"
	defaultRecallWindow      = 2 * time.Minute
	defaultPageSize          = 50
	defaultMaxPageSize       = 200
	defaultCatchupSize       = 50
	defaultTimezone          = "UTC"
	defaultSendBuffer        = 64
	defaultDispatchWorkers   = 8
	defaultDispatchQueueSize = 1024
	defaultMessagesPerSecond = 5.0
	defaultMessageBurst      = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	MembershipPath string
	LogLevel       string

	SigningSecret string
	SessionIssuer string
	CookieName    string

	RecallWindow time.Duration
	PageSize     int
	MaxPageSize  int
	CatchupSize  int
	Location     *time.Location

	AllowedOrigins    []string
	SendBuffer        int
	DispatchWorkers   int
	DispatchQueueSize int

	MessagesPerSecond float64
	MessageBurst      int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("membership.path", defaultMembershipPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("messages.recall_window", defaultRecallWindow)
	configViper.SetDefault("messages.page_size", defaultPageSize)
	configViper.SetDefault("messages.max_page_size", defaultMaxPageSize)
	configViper.SetDefault("messages.catchup_size", defaultCatchupSize)
	configViper.SetDefault("messages.timezone", defaultTimezone)
	configViper.SetDefault("realtime.allowed_origins", []string{})
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.workers", defaultDispatchWorkers)
	configViper.SetDefault("realtime.queue_size", defaultDispatchQueueSize)
	configViper.SetDefault("rate.messages_per_second", defaultMessagesPerSecond)
	configViper.SetDefault("rate.burst", defaultMessageBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		MembershipPath:    configViper.GetString("membership.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		RecallWindow:      configViper.GetDuration("messages.recall_window"),
		PageSize:          configViper.GetInt("messages.page_size"),
		MaxPageSize:       configViper.GetInt("messages.max_page_size"),
		CatchupSize:       configViper.GetInt("messages.catchup_size"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("realtime.allowed_origins")),
		SendBuffer:        configViper.GetInt("realtime.send_buffer"),
		DispatchWorkers:   configViper.GetInt("realtime.workers"),
		DispatchQueueSize: configViper.GetInt("realtime.queue_size"),
		MessagesPerSecond: configViper.GetFloat64("rate.messages_per_second"),
		MessageBurst:      configViper.GetInt("rate.burst"),
	}

	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("messages.timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("messages.timezone is invalid: %w", err)
	}
	cfg.Location = location

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.MembershipPath) == "" {
		return fmt.Errorf("membership.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.RecallWindow <= 0 {
		return fmt.Errorf("messages.recall_window must be positive")
	}
	if c.PageSize <= 0 || c.MaxPageSize < c.PageSize {
		return fmt.Errorf("messages.page_size must be positive and not exceed messages.max_page_size")
	}
	if c.DispatchWorkers <= 0 || c.DispatchQueueSize <= 0 || c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.workers, realtime.queue_size and realtime.send_buffer must be positive")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("rate.messages_per_second and rate.burst must be positive")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
