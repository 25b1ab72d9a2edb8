// Package config loads gofer process configuration from YAML with GOFER_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	gofer "github.com/glimte/gofer-go"
	"github.com/glimte/gofer-go/interceptors"
	"github.com/glimte/gofer-go/messaging"
	"github.com/glimte/gofer-go/rmi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// MaxFileSize bounds the configuration file
const MaxFileSize = 1 << 20

// ErrInvalidConfig is wrapped by every Validate failure
var ErrInvalidConfig = errors.New("gofer: invalid configuration")

// Config is the configuration of a gofer client process
type Config struct {
	URL                  string         `yaml:"url"`
	Origin               string         `yaml:"origin,omitempty"`
	Timeout              TimeoutConfig  `yaml:"timeout"`
	Consumer             ConsumerConfig `yaml:"consumer"`
	SearchMode           string         `yaml:"search_mode"`
	BroadcastConcurrency int            `yaml:"broadcast_concurrency"`
	SendRate             float64        `yaml:"send_rate,omitempty"` // requests per second, 0 means unlimited
	SendBurst            int            `yaml:"send_burst,omitempty"`
	Secret               string         `yaml:"secret,omitempty"` // stamped on requests that carry none
	Deny                 []string       `yaml:"deny,omitempty"`   // destination patterns never sent to
	Redis                RedisConfig    `yaml:"redis"`
	Metrics              MetricsConfig  `yaml:"metrics"`
	Log                  LogConfig      `yaml:"log"`
}

// TimeoutConfig holds the synchronous request timeouts
type TimeoutConfig struct {
	Start    time.Duration `yaml:"start"`
	Complete time.Duration `yaml:"complete"`
}

// ConsumerConfig holds the reply consumer loop settings
type ConsumerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`
}

// RedisConfig enables the shared pending-request tracker when Addr is set
type RedisConfig struct {
	Addr     string        `yaml:"addr,omitempty"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set
type MetricsConfig struct {
	Addr      string `yaml:"addr,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		URL: "tcp://localhost:5672",
		Timeout: TimeoutConfig{
			Start:    rmi.DefaultTimeout.Start,
			Complete: rmi.DefaultTimeout.Complete,
		},
		Consumer: ConsumerConfig{
			PollInterval: messaging.DefaultPollInterval,
			JoinTimeout:  messaging.DefaultJoinTimeout,
		},
		SearchMode:           messaging.SearchRearm.String(),
		BroadcastConcurrency: 8,
		Metrics:              MetricsConfig{Namespace: "gofer"},
		Log:                  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults and applies the
// environment. An empty path loads the defaults and the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > MaxFileSize {
			return nil, fmt.Errorf("config file %s too large: %d bytes", path, info.Size())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("GOFER_URL", &c.URL)
	str("GOFER_ORIGIN", &c.Origin)
	str("GOFER_SECRET", &c.Secret)
	str("GOFER_SEARCH_MODE", &c.SearchMode)
	str("GOFER_REDIS_ADDR", &c.Redis.Addr)
	str("GOFER_REDIS_PASSWORD", &c.Redis.Password)
	str("GOFER_METRICS_ADDR", &c.Metrics.Addr)
	str("GOFER_LOG_LEVEL", &c.Log.Level)
	str("GOFER_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("GOFER_TIMEOUT"); ok {
		var values []time.Duration
		for _, part := range strings.Split(v, ",") {
			d, err := time.ParseDuration(strings.TrimSpace(part))
			if err != nil {
				return fmt.Errorf("GOFER_TIMEOUT: %w", err)
			}
			values = append(values, d)
		}
		t := rmi.Timeouts(values...)
		c.Timeout = TimeoutConfig{Start: t.Start, Complete: t.Complete}
	}

	return errors.Join(
		dur("GOFER_POLL_INTERVAL", &c.Consumer.PollInterval),
		dur("GOFER_JOIN_TIMEOUT", &c.Consumer.JoinTimeout),
		num("GOFER_BROADCAST_CONCURRENCY", &c.BroadcastConcurrency),
		num("GOFER_REDIS_DB", &c.Redis.DB),
	)
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []error
	if _, err := messaging.ParseURL(c.URL); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	}
	if c.Timeout.Start <= 0 || c.Timeout.Complete <= 0 {
		errs = append(errs, errors.New("timeout: start and complete must be positive"))
	}
	if c.Consumer.PollInterval <= 0 || c.Consumer.JoinTimeout <= 0 {
		errs = append(errs, errors.New("consumer: poll_interval and join_timeout must be positive"))
	}
	if _, err := messaging.ParseSearchMode(c.SearchMode); err != nil {
		errs = append(errs, fmt.Errorf("search_mode: %w", err))
	}
	if c.BroadcastConcurrency <= 0 {
		errs = append(errs, errors.New("broadcast_concurrency must be positive"))
	}
	if c.SendRate < 0 || c.SendBurst < 0 {
		errs = append(errs, errors.New("send_rate and send_burst must not be negative"))
	}
	for _, p := range c.Deny {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("deny: pattern %q: %w", p, err))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Logger builds the configured slog logger writing to stderr
func (c *Config) Logger() *slog.Logger {
	return c.LoggerTo(os.Stderr)
}

// LoggerTo builds the configured slog logger writing to w
func (c *Config) LoggerTo(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Tracker returns the Redis tracker, or nil when Redis is not configured
func (c *Config) Tracker() rmi.Tracker {
	if c.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	return rmi.NewRedisTracker(client, c.Redis.Prefix, c.Redis.TTL)
}

// ClientOptions translates the configuration into client options. reg
// receives the messaging metrics; nil disables them.
func (c *Config) ClientOptions(logger *slog.Logger, reg prometheus.Registerer) []gofer.ClientOption {
	mode, _ := messaging.ParseSearchMode(c.SearchMode)
	opts := []gofer.ClientOption{
		gofer.WithLogger(logger),
		gofer.WithTimeout(c.Timeout.Start, c.Timeout.Complete),
		gofer.WithSearchMode(mode),
		gofer.WithBroadcastConcurrency(c.BroadcastConcurrency),
		gofer.WithReceiverLoop(c.Consumer.PollInterval, c.Consumer.JoinTimeout),
	}
	if c.Origin != "" {
		opts = append(opts, gofer.WithOrigin(c.Origin))
	}
	if c.SendRate > 0 {
		opts = append(opts, gofer.WithSendRate(rate.Limit(c.SendRate), max(c.SendBurst, 1)))
	}
	if c.Secret != "" {
		opts = append(opts, gofer.WithInterceptors(interceptors.NewSecretInterceptor(c.Secret)))
	}
	if len(c.Deny) > 0 {
		opts = append(opts, gofer.WithInterceptors(
			interceptors.NewFilteringInterceptor(interceptors.DenyDestinations(c.Deny...))))
	}
	if tracker := c.Tracker(); tracker != nil {
		opts = append(opts, gofer.WithTracker(tracker))
	}
	if reg != nil {
		opts = append(opts, gofer.WithMetrics(messaging.NewMetrics(c.Metrics.Namespace, reg)))
	}
	return opts
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log: unknown level %q", s)
	}
	return level, nil
}
