// Package config loads pdmlock settings from a config file, PDMLOCK_ env
// vars and flags through viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pixperk/pdmlock/pkg/client"
	"github.com/pixperk/pdmlock/pkg/coordinator"
	"github.com/pixperk/pdmlock/pkg/hub"
	"github.com/pixperk/pdmlock/pkg/ledger"
	"github.com/pixperk/pdmlock/pkg/logging"
	"github.com/pixperk/pdmlock/pkg/server"
	"github.com/pixperk/pdmlock/pkg/types"
)

const EnvPrefix = "PDMLOCK"

type Config struct {
	Ledger LedgerConfig  `mapstructure:"ledger"`
	Server ServerConfig  `mapstructure:"server"`
	Hub    HubConfig     `mapstructure:"hub"`
	Client client.Config `mapstructure:"client"`
	Auth   AuthConfig    `mapstructure:"auth"`
	Log    LogConfig     `mapstructure:"log"`
}

type LedgerConfig struct {
	Dir              string        `mapstructure:"dir"`
	RemoteURL        string        `mapstructure:"remote_url"`
	Branch           string        `mapstructure:"branch"`
	StateFile        string        `mapstructure:"state_file"`
	Username         string        `mapstructure:"username"`
	Token            string        `mapstructure:"token"`
	AuthorName       string        `mapstructure:"author_name"`
	AuthorEmail      string        `mapstructure:"author_email"`
	MaxPushRetries   int           `mapstructure:"max_push_retries"`
	NetworkTimeout   time.Duration `mapstructure:"network_timeout"`
	SyncRetryInitial time.Duration `mapstructure:"sync_retry_initial"`
	SyncRetryMax     time.Duration `mapstructure:"sync_retry_max"`
	SyncMaxRetries   uint64        `mapstructure:"sync_max_retries"`
}

type ServerConfig struct {
	GRPCAddr          string          `mapstructure:"grpc_addr"`
	HTTPAddr          string          `mapstructure:"http_addr"`
	QueueSize         int             `mapstructure:"queue_size"`
	MutationTimeout   time.Duration   `mapstructure:"mutation_timeout"`
	ExcludeOriginator bool            `mapstructure:"exclude_originator"`
	OutboxSize        int             `mapstructure:"outbox_size"`
	HelloTimeout      time.Duration   `mapstructure:"hello_timeout"`
	ShutdownTimeout   time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
}

// mutations allowed per identity, Requests per Window with Burst headroom
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	Burst    int           `mapstructure:"burst"`
}

type HubConfig struct {
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
}

type AuthConfig struct {
	//identities allowed to force-release other holders' locks
	Privileged []string `mapstructure:"privileged"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Default() *Config {
	l := ledger.DefaultConfig()
	co := coordinator.DefaultConfig()
	sv := server.DefaultConfig()
	h := hub.DefaultConfig()

	return &Config{
		Ledger: LedgerConfig{
			Dir:              "./data/ledger",
			Branch:           l.Branch,
			StateFile:        l.StateFile,
			AuthorName:       l.Author.Name,
			AuthorEmail:      l.Author.Email,
			MaxPushRetries:   l.MaxPushRetries,
			NetworkTimeout:   l.NetworkTimeout,
			SyncRetryInitial: l.SyncRetryInitial,
			SyncRetryMax:     l.SyncRetryMax,
			SyncMaxRetries:   l.SyncMaxRetries,
		},
		Server: ServerConfig{
			GRPCAddr:          ":9000",
			HTTPAddr:          ":8080",
			QueueSize:         co.QueueSize,
			MutationTimeout:   co.MutationTimeout,
			ExcludeOriginator: co.ExcludeOriginator,
			OutboxSize:        sv.OutboxSize,
			HelloTimeout:      sv.HelloTimeout,
			ShutdownTimeout:   15 * time.Second,
			RateLimit: RateLimitConfig{
				Requests: 60,
				Window:   time.Minute,
				Burst:    10,
			},
		},
		Hub: HubConfig{
			DeliveryTimeout:  h.DeliveryTimeout,
			HeartbeatTimeout: h.HeartbeatTimeout,
			SweepInterval:    h.SweepInterval,
			MaxConcurrency:   h.MaxConcurrency,
		},
		Client: client.DefaultConfig(),
		Auth:   AuthConfig{Privileged: []string{}},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SetDefaults registers every key with its default, which also makes each
// key reachable through its PDMLOCK_ env var.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("ledger.dir", d.Ledger.Dir)
	v.SetDefault("ledger.remote_url", d.Ledger.RemoteURL)
	v.SetDefault("ledger.branch", d.Ledger.Branch)
	v.SetDefault("ledger.state_file", d.Ledger.StateFile)
	v.SetDefault("ledger.username", d.Ledger.Username)
	v.SetDefault("ledger.token", d.Ledger.Token)
	v.SetDefault("ledger.author_name", d.Ledger.AuthorName)
	v.SetDefault("ledger.author_email", d.Ledger.AuthorEmail)
	v.SetDefault("ledger.max_push_retries", d.Ledger.MaxPushRetries)
	v.SetDefault("ledger.network_timeout", d.Ledger.NetworkTimeout)
	v.SetDefault("ledger.sync_retry_initial", d.Ledger.SyncRetryInitial)
	v.SetDefault("ledger.sync_retry_max", d.Ledger.SyncRetryMax)
	v.SetDefault("ledger.sync_max_retries", d.Ledger.SyncMaxRetries)

	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.http_addr", d.Server.HTTPAddr)
	v.SetDefault("server.queue_size", d.Server.QueueSize)
	v.SetDefault("server.mutation_timeout", d.Server.MutationTimeout)
	v.SetDefault("server.exclude_originator", d.Server.ExcludeOriginator)
	v.SetDefault("server.outbox_size", d.Server.OutboxSize)
	v.SetDefault("server.hello_timeout", d.Server.HelloTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit.requests", d.Server.RateLimit.Requests)
	v.SetDefault("server.rate_limit.window", d.Server.RateLimit.Window)
	v.SetDefault("server.rate_limit.burst", d.Server.RateLimit.Burst)

	v.SetDefault("hub.delivery_timeout", d.Hub.DeliveryTimeout)
	v.SetDefault("hub.heartbeat_timeout", d.Hub.HeartbeatTimeout)
	v.SetDefault("hub.sweep_interval", d.Hub.SweepInterval)
	v.SetDefault("hub.max_concurrency", d.Hub.MaxConcurrency)

	v.SetDefault("client.addr", d.Client.Addr)
	v.SetDefault("client.identity", d.Client.Identity)
	v.SetDefault("client.heartbeat_interval", d.Client.HeartbeatInterval)
	v.SetDefault("client.heartbeat_timeout", d.Client.HeartbeatTimeout)
	v.SetDefault("client.backoff.initial", d.Client.Backoff.Initial)
	v.SetDefault("client.backoff.multiplier", d.Client.Backoff.Multiplier)
	v.SetDefault("client.backoff.max", d.Client.Backoff.Max)
	v.SetDefault("client.backoff.randomization", d.Client.Backoff.Randomization)
	v.SetDefault("client.event_buffer", d.Client.EventBuffer)

	v.SetDefault("auth.privileged", d.Auth.Privileged)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// NewViper returns a viper instance with defaults and PDMLOCK_ env binding,
// e.g. PDMLOCK_LEDGER_REMOTE_URL for ledger.remote_url.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if set) into v and returns the validated config.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks what every command needs. Serving additionally needs
// Ledger.Validate.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, ValidationError{field, d, "must be positive"})
		}
	}

	if !slices.Contains(logging.ValidLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{"log.level", c.Log.Level, "must be one of " + strings.Join(logging.ValidLevels(), ", ")})
	}
	if !slices.Contains(logging.ValidFormats(), strings.ToLower(c.Log.Format)) {
		errs = append(errs, ValidationError{"log.format", c.Log.Format, "must be one of " + strings.Join(logging.ValidFormats(), ", ")})
	}

	if c.Ledger.MaxPushRetries < 1 {
		errs = append(errs, ValidationError{"ledger.max_push_retries", c.Ledger.MaxPushRetries, "must be at least 1"})
	}
	positive("ledger.network_timeout", c.Ledger.NetworkTimeout)

	if c.Server.QueueSize < 1 {
		errs = append(errs, ValidationError{"server.queue_size", c.Server.QueueSize, "must be at least 1"})
	}
	if c.Server.RateLimit.Requests < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, ValidationError{"server.rate_limit", c.Server.RateLimit, "must not be negative"})
	}

	positive("hub.delivery_timeout", c.Hub.DeliveryTimeout)
	positive("hub.heartbeat_timeout", c.Hub.HeartbeatTimeout)
	positive("hub.sweep_interval", c.Hub.SweepInterval)

	positive("client.heartbeat_interval", c.Client.HeartbeatInterval)
	positive("client.heartbeat_timeout", c.Client.HeartbeatTimeout)
	if c.Client.HeartbeatTimeout > 0 && c.Client.HeartbeatTimeout <= c.Client.HeartbeatInterval {
		errs = append(errs, ValidationError{"client.heartbeat_timeout", c.Client.HeartbeatTimeout, "must exceed client.heartbeat_interval"})
	}
	if c.Client.Backoff.Randomization < 0 || c.Client.Backoff.Randomization > 1 {
		errs = append(errs, ValidationError{"client.backoff.randomization", c.Client.Backoff.Randomization, "must be within [0, 1]"})
	}

	return errs
}

// Validate checks what opening the ledger needs.
func (l LedgerConfig) Validate() []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(l.Dir) == "" {
		errs = append(errs, ValidationError{"ledger.dir", l.Dir, "required"})
	}
	if strings.TrimSpace(l.RemoteURL) == "" {
		errs = append(errs, ValidationError{"ledger.remote_url", l.RemoteURL, "required"})
	}
	return errs
}

func (l LedgerConfig) ToLedger() ledger.Config {
	return ledger.Config{
		Dir:              l.Dir,
		RemoteURL:        l.RemoteURL,
		Branch:           l.Branch,
		StateFile:        l.StateFile,
		Username:         l.Username,
		Token:            l.Token,
		Author:           types.Identity{Name: l.AuthorName, Email: l.AuthorEmail},
		MaxPushRetries:   l.MaxPushRetries,
		NetworkTimeout:   l.NetworkTimeout,
		SyncRetryInitial: l.SyncRetryInitial,
		SyncRetryMax:     l.SyncRetryMax,
		SyncMaxRetries:   l.SyncMaxRetries,
	}
}

func (s ServerConfig) ToCoordinator() coordinator.Config {
	return coordinator.Config{
		QueueSize:         s.QueueSize,
		ExcludeOriginator: s.ExcludeOriginator,
		MutationTimeout:   s.MutationTimeout,
	}
}

func (s ServerConfig) ToServer() server.Config {
	return server.Config{
		OutboxSize:   s.OutboxSize,
		HelloTimeout: s.HelloTimeout,
	}
}

func (h HubConfig) ToHub() hub.Config {
	return hub.Config{
		DeliveryTimeout:  h.DeliveryTimeout,
		HeartbeatTimeout: h.HeartbeatTimeout,
		SweepInterval:    h.SweepInterval,
		MaxConcurrency:   h.MaxConcurrency,
	}
}
