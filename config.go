package streamclient

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
)

type (
	AuthMode          string
	TransportKind     string
	BackoffStrategy   string
	RateLimitStrategy string
)

const (
	// AuthQuery sends the token as a query parameter, which browsers can do too.
	AuthQuery AuthMode = "query"
	// AuthHeader sends the token as an `Authorization: Bearer` handshake header.
	AuthHeader AuthMode = "header"

	TransportFastHTTP TransportKind = "fasthttp"
	TransportGorilla  TransportKind = "gorilla"
	TransportCoder    TransportKind = "coder"

	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"

	RateLimitWindow      RateLimitStrategy = "window"
	RateLimitTokenBucket RateLimitStrategy = "token_bucket"
	RateLimitNone        RateLimitStrategy = "none"

	defaultTokenParam = "token"
)

type (
	Config struct {
		// URL is the websocket base, targets are joined to its path.
		URL          string          `yaml:"url"`
		AuthMode     AuthMode        `yaml:"auth_mode"`
		TokenParam   string          `yaml:"token_param"`
		Transport    TransportKind   `yaml:"transport"`
		DialTimeout  time.Duration   `yaml:"dial_timeout"`
		WriteTimeout time.Duration   `yaml:"write_timeout"`
		Reconnect    ReconnectConfig `yaml:"reconnect"`
		Heartbeat    HeartbeatConfig `yaml:"heartbeat"`
		RateLimit    RateLimitConfig `yaml:"rate_limit"`
	}

	ReconnectConfig struct {
		MaxAttempts int             `yaml:"max_attempts"`
		BaseDelay   time.Duration   `yaml:"base_delay"`
		Strategy    BackoffStrategy `yaml:"strategy"`
	}

	// HeartbeatConfig disables the monitor when Interval is zero.
	HeartbeatConfig struct {
		Interval time.Duration `yaml:"interval"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	RateLimitConfig struct {
		Strategy RateLimitStrategy `yaml:"strategy"`
		// Quota, Margin and Window drive the window strategy: Quota-Margin sends per Window.
		Quota  int           `yaml:"quota"`
		Margin int           `yaml:"margin"`
		Window time.Duration `yaml:"window"`
		// RPS and Burst drive the token_bucket strategy.
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	}
)

func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:8000/ws",
		AuthMode:     AuthQuery,
		TokenParam:   defaultTokenParam,
		Transport:    TransportFastHTTP,
		DialTimeout:  10 * time.Second,
		WriteTimeout: time.Second,
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			Strategy:    BackoffLinear,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  90 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Strategy: RateLimitWindow,
			Quota:    100,
			Margin:   10,
			Window:   time.Minute,
			RPS:      1.5,
			Burst:    10,
		},
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "url: %s", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return errors.Wrapf(ErrInvalidConfig, "url scheme must be ws or wss, got %q", u.Scheme)
	}

	switch c.AuthMode {
	case AuthQuery, AuthHeader:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown auth_mode %q", c.AuthMode)
	}

	switch c.Transport {
	case TransportFastHTTP, TransportGorilla, TransportCoder:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown transport %q", c.Transport)
	}

	if c.Reconnect.MaxAttempts < 0 {
		return errors.Wrap(ErrInvalidConfig, "reconnect.max_attempts cannot be negative")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return errors.Wrap(ErrInvalidConfig, "reconnect.base_delay must be positive")
	}
	switch c.Reconnect.Strategy {
	case BackoffLinear, BackoffExponential:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown reconnect.strategy %q", c.Reconnect.Strategy)
	}

	if c.Heartbeat.Interval < 0 || c.Heartbeat.Timeout < 0 {
		return errors.Wrap(ErrInvalidConfig, "heartbeat durations cannot be negative")
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.Timeout > 0 && c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return errors.Wrap(ErrInvalidConfig, "heartbeat.timeout must exceed heartbeat.interval")
	}

	switch c.RateLimit.Strategy {
	case RateLimitNone:
	case RateLimitWindow:
		if c.RateLimit.Window <= 0 {
			return errors.Wrap(ErrInvalidConfig, "rate_limit.window must be positive")
		}
		if c.RateLimit.Margin < 0 || c.RateLimit.Quota <= c.RateLimit.Margin {
			return errors.Wrap(ErrInvalidConfig, "rate_limit.quota must exceed rate_limit.margin")
		}
	case RateLimitTokenBucket:
		if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
			return errors.Wrap(ErrInvalidConfig, "rate_limit.rps and rate_limit.burst must be positive")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown rate_limit.strategy %q", c.RateLimit.Strategy)
	}

	return nil
}

func (c Config) backoff() BackoffCalculator {
	if c.Reconnect.Strategy == BackoffExponential {
		return ExponentialBackoffFrom(c.Reconnect.BaseDelay)
	}
	return LinearBackoff(c.Reconnect.BaseDelay)
}
