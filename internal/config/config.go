package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "FLEETSYNC"
	defaultHTTPAddress = "0.0.0.0:8090"
	defaultLogLevel    = "info"

	defaultSOTTimeout         = 10 * time.Second
	defaultPushPingPeriod     = 30 * time.Second
	defaultPushLiveness       = 90 * time.Second
	defaultPushReconnectDelay = 3 * time.Second
	defaultPollInterval       = 10 * time.Second
	defaultPollRetryLimit     = 3
)

// AppConfig captures runtime configuration for the synchronization daemon.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	SOTBaseURL string
	SOTToken   string
	SOTTimeout time.Duration

	// PushURL overrides the stream endpoint derived from the base URL.
	PushURL            string
	PushPingPeriod     time.Duration
	PushLiveness       time.Duration
	PushReconnectDelay time.Duration

	PollInterval       time.Duration
	PollRetryLimit     uint
	RefetchOnReconnect bool
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sot.timeout", defaultSOTTimeout)
	configViper.SetDefault("push.ping_period", defaultPushPingPeriod)
	configViper.SetDefault("push.liveness_timeout", defaultPushLiveness)
	configViper.SetDefault("push.reconnect_delay", defaultPushReconnectDelay)
	configViper.SetDefault("poll.interval", defaultPollInterval)
	configViper.SetDefault("poll.retry_limit", defaultPollRetryLimit)
	configViper.SetDefault("poll.refetch_on_reconnect", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		SOTBaseURL:         configViper.GetString("sot.base_url"),
		SOTToken:           configViper.GetString("sot.token"),
		SOTTimeout:         configViper.GetDuration("sot.timeout"),
		PushURL:            configViper.GetString("push.url"),
		PushPingPeriod:     configViper.GetDuration("push.ping_period"),
		PushLiveness:       configViper.GetDuration("push.liveness_timeout"),
		PushReconnectDelay: configViper.GetDuration("push.reconnect_delay"),
		PollInterval:       configViper.GetDuration("poll.interval"),
		PollRetryLimit:     configViper.GetUint("poll.retry_limit"),
		RefetchOnReconnect: configViper.GetBool("poll.refetch_on_reconnect"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SOTBaseURL) == "" {
		return fmt.Errorf("sot.base_url is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if c.PushLiveness <= c.PushPingPeriod {
		return fmt.Errorf("push.liveness_timeout must exceed push.ping_period")
	}
	return nil
}
