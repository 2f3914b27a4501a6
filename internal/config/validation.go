package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// InvalidValue is a key whose value was rejected.
type InvalidValue struct {
	Key    string
	Value  string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Missing []string
	Invalid []InvalidValue
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Missing) > 0 || len(e.Invalid) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.Missing) > 0 {
		sb.WriteString("\nMissing required settings:\n")
		for _, key := range e.Missing {
			sb.WriteString(fmt.Sprintf("  - %s (env %s)\n", key, envName(key)))
		}
	}

	if len(e.Invalid) > 0 {
		sb.WriteString("\nInvalid settings:\n")
		for _, iv := range e.Invalid {
			sb.WriteString(fmt.Sprintf("  - %s=%q: %s\n", iv.Key, iv.Value, iv.Reason))
		}
	}

	return sb.String()
}

func (e *ValidationErrors) invalid(key, value, reason string) {
	e.Invalid = append(e.Invalid, InvalidValue{Key: key, Value: value, Reason: reason})
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.API.Token == "" {
		errs.Missing = append(errs.Missing, "api.token")
	}
	if c.API.UserID == "" {
		errs.Missing = append(errs.Missing, "api.user_id")
	}

	validateURL(errs, "api.base_url", c.API.BaseURL, "http", "https")
	validateURL(errs, "relay.endpoint", c.Relay.Endpoint, "ws", "wss")

	if _, ok := ProtocolSubprotocols[c.Relay.Protocol]; !ok {
		errs.invalid("relay.protocol", c.Relay.Protocol, "must be one of "+validProtocolsList())
	}
	if !ValidLogLevels[c.Logging.Level] {
		errs.invalid("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{"api.timeout", c.API.Timeout},
		{"transport.handshake_timeout", c.Transport.HandshakeTimeout},
		{"transport.reconnect_delay", c.Transport.ReconnectDelay},
		{"transport.keepalive_timeout", c.Transport.KeepaliveTimeout},
		{"polling.interval", c.Polling.Interval},
		{"promotion.interval", c.Promotion.Interval},
		{"dedup.horizon", c.Dedup.Horizon},
		{"typing.quiet_period", c.Typing.QuietPeriod},
		{"typing.ttl", c.Typing.TTL},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs.invalid(p.key, p.val.String(), "must be a positive duration")
		}
	}

	if c.Transport.ReconnectThreshold < 1 {
		errs.invalid("transport.reconnect_threshold", fmt.Sprint(c.Transport.ReconnectThreshold), "must be >= 1")
	}
	if c.API.RetryCount < 0 {
		errs.invalid("api.retry_count", fmt.Sprint(c.API.RetryCount), "must be >= 0")
	}
	if c.API.RatePerSecond < 1 {
		errs.invalid("api.rate_per_second", fmt.Sprint(c.API.RatePerSecond), "must be >= 1")
	}
	if c.Dedup.MaxSize < 0 {
		errs.invalid("dedup.max_size", fmt.Sprint(c.Dedup.MaxSize), "must be >= 0 (0 is unbounded)")
	}
	// Typing indicators would flicker if the sender's pulse outlived the
	// receiver's TTL.
	if c.Typing.QuietPeriod > 0 && c.Typing.TTL > 0 && c.Typing.QuietPeriod >= c.Typing.TTL {
		errs.invalid("typing.quiet_period", c.Typing.QuietPeriod.String(), "must be shorter than typing.ttl")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateURL(errs *ValidationErrors, key, raw string, schemes ...string) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		errs.invalid(key, raw, "must be an absolute URL")
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	errs.invalid(key, raw, "scheme must be "+strings.Join(schemes, " or "))
}

func validProtocolsList() string {
	out := make([]string, 0, len(ProtocolSubprotocols))
	for p := range ProtocolSubprotocols {
		out = append(out, p)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
