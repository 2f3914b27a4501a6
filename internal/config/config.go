package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/rental-realtime/internal/api"
	"github.com/dgnsrekt/rental-realtime/internal/dedup"
	"github.com/dgnsrekt/rental-realtime/internal/realtime"
	"github.com/dgnsrekt/rental-realtime/internal/transport"
	"github.com/dgnsrekt/rental-realtime/internal/typing"
)

// EnvPrefix prefixes every environment override, e.g. RENTAL_RT_API_TOKEN.
const EnvPrefix = "RENTAL_RT"

type Config struct {
	Relay     RelayConfig     `mapstructure:"relay"`
	API       APIConfig       `mapstructure:"api"`
	Transport TransportConfig `mapstructure:"transport"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Promotion PromotionConfig `mapstructure:"promotion"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type RelayConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AuthRealm string `mapstructure:"auth_realm"`
	Protocol  string `mapstructure:"protocol"`
}

type APIConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	UserID        string        `mapstructure:"user_id"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
}

type TransportConfig struct {
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	ReconnectThreshold int           `mapstructure:"reconnect_threshold"`
	KeepaliveTimeout   time.Duration `mapstructure:"keepalive_timeout"`
}

type PollingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type PromotionConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type DedupConfig struct {
	Horizon time.Duration `mapstructure:"horizon"`
	MaxSize int           `mapstructure:"max_size"`
}

type TypingConfig struct {
	QuietPeriod time.Duration `mapstructure:"quiet_period"`
	TTL         time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.endpoint", "ws://localhost:8080/relay")
	v.SetDefault("relay.auth_realm", "rental")
	v.SetDefault("relay.protocol", ProtocolProtobuf)
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.retry_count", 2)
	v.SetDefault("api.retry_delay", "1s")
	v.SetDefault("api.rate_per_second", 10)
	v.SetDefault("transport.handshake_timeout", realtime.DefaultHandshakeTimeout.String())
	v.SetDefault("transport.reconnect_delay", realtime.DefaultReconnectDelay.String())
	v.SetDefault("transport.reconnect_threshold", realtime.DefaultReconnectThreshold)
	v.SetDefault("transport.keepalive_timeout", transport.DefaultKeepaliveTimeout.String())
	v.SetDefault("polling.interval", transport.DefaultPollInterval.String())
	v.SetDefault("promotion.interval", realtime.DefaultPromotionInterval.String())
	v.SetDefault("dedup.horizon", dedup.DefaultHorizon.String())
	v.SetDefault("dedup.max_size", dedup.DefaultMaxSize)
	v.SetDefault("typing.quiet_period", typing.DefaultQuietPeriod.String())
	v.SetDefault("typing.ttl", typing.DefaultTTL.String())
	v.SetDefault("logging.level", "info")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Secrets have no default, so AutomaticEnv alone would not see them.
	_ = v.BindEnv("api.token", EnvPrefix+"_API_TOKEN")
	_ = v.BindEnv("api.user_id", EnvPrefix+"_API_USER_ID")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("client")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Session maps the file layout onto the session tuning.
func (c *Config) Session() realtime.Config {
	return realtime.Config{
		Transport: transport.Config{
			RelayURL:         c.Relay.Endpoint,
			Realm:            c.Relay.AuthRealm,
			Protocol:         ProtocolSubprotocols[c.Relay.Protocol],
			KeepaliveTimeout: c.Transport.KeepaliveTimeout,
			PollInterval:     c.Polling.Interval,
			HandshakeTimeout: c.Transport.HandshakeTimeout,
		},
		HandshakeTimeout:   c.Transport.HandshakeTimeout,
		ReconnectDelay:     c.Transport.ReconnectDelay,
		ReconnectThreshold: c.Transport.ReconnectThreshold,
		PromotionInterval:  c.Promotion.Interval,
		DedupHorizon:       c.Dedup.Horizon,
		DedupMaxSize:       c.Dedup.MaxSize,
		TypingQuietPeriod:  c.Typing.QuietPeriod,
		TypingTTL:          c.Typing.TTL,
	}
}

func (c *Config) APIOptions() api.Options {
	return api.Options{
		BaseURL:       c.API.BaseURL,
		Timeout:       c.API.Timeout,
		RatePerSecond: c.API.RatePerSecond,
		RetryCount:    c.API.RetryCount,
		RetryDelay:    c.API.RetryDelay,
	}
}

func (c *Config) Identity() api.StaticIdentity {
	return api.StaticIdentity{User: c.API.UserID, Bearer: c.API.Token}
}
