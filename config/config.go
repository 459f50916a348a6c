package config

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "BALANCEBEAM"

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	StrategyRandom     = "random"
	StrategyRoundRobin = "round-robin"
)

// Flag names double as viper keys and YAML keys.
const (
	FlagConfig               = "config"
	FlagBind                 = "bind"
	FlagUpstream             = "upstream"
	FlagHealthCheckInterval  = "active-health-check-interval"
	FlagHealthCheckPath      = "active-health-check-path"
	FlagHealthCheckTimeout   = "active-health-check-timeout"
	FlagMaxRequestsPerMinute = "max-requests-per-minute"
	FlagMaxBodySize          = "max-body-size"
	FlagConnectTimeout       = "connect-timeout"
	FlagStrategy             = "strategy"
	FlagAdminBind            = "admin-bind"
	FlagLogLevel             = "log-level"
	FlagEnvironment          = "environment"
)

type Config struct {
	Bind                 string        `mapstructure:"bind" json:"bind"`
	Upstreams            []string      `mapstructure:"upstream" json:"upstream"`
	HealthCheckInterval  int           `mapstructure:"active-health-check-interval" json:"active-health-check-interval"`
	HealthCheckPath      string        `mapstructure:"active-health-check-path" json:"active-health-check-path"`
	HealthCheckTimeout   time.Duration `mapstructure:"active-health-check-timeout" json:"active-health-check-timeout"`
	MaxRequestsPerMinute int           `mapstructure:"max-requests-per-minute" json:"max-requests-per-minute"`
	MaxBodySize          int64         `mapstructure:"max-body-size" json:"max-body-size"`
	ConnectTimeout       time.Duration `mapstructure:"connect-timeout" json:"connect-timeout"`
	Strategy             string        `mapstructure:"strategy" json:"strategy"`
	AdminBind            string        `mapstructure:"admin-bind" json:"admin-bind"`
	LogLevel             string        `mapstructure:"log-level" json:"log-level"`
	Environment          string        `mapstructure:"environment" json:"environment"`
}

// RegisterFlags defines every configuration flag on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FlagConfig, "", "optional YAML config file")
	fs.String(FlagBind, "0.0.0.0:1100", "IP/port to bind to")
	fs.StringSlice(FlagUpstream, nil, "upstream host:port to forward requests to (repeatable)")
	fs.Int(FlagHealthCheckInterval, 10, "perform active health checks on this interval (in seconds)")
	fs.String(FlagHealthCheckPath, "/", "path to send requests to for active health checks")
	fs.Duration(FlagHealthCheckTimeout, 5*time.Second, "give up on a health check after this long")
	fs.Int(FlagMaxRequestsPerMinute, 0, "maximum number of requests to accept per IP per minute (0 = unlimited)")
	fs.Int64(FlagMaxBodySize, 10_000_000, "maximum request or response body size in bytes")
	fs.Duration(FlagConnectTimeout, 5*time.Second, "upstream connect timeout")
	fs.String(FlagStrategy, StrategyRandom, "upstream selection strategy (random, round-robin)")
	fs.String(FlagAdminBind, "", "address for the admin HTTP server (empty disables it)")
	fs.String(FlagLogLevel, LogLevelDebug, "log level (debug, info, warn, error)")
	fs.String(FlagEnvironment, EnvDev, "environment (dev, staging, prod)")
}

// Load resolves the configuration from fs, BALANCEBEAM_* environment
// variables and the optional --config file, in that order of precedence,
// and validates the result.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString(FlagConfig); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

var absolutePath = regexp.MustCompile(`^/`)

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Bind,
			validation.Required,
			validation.By(validateHostPort),
		),
		validation.Field(&c.Upstreams,
			validation.Required.Error("at least one upstream is required"),
			validation.Each(validation.Required, validation.By(validateUpstream)),
		),
		validation.Field(&c.HealthCheckInterval,
			validation.Required,
			validation.Min(1),
		),
		validation.Field(&c.HealthCheckPath,
			validation.Required,
			validation.Match(absolutePath).Error("must start with /"),
		),
		validation.Field(&c.HealthCheckTimeout,
			validation.Required,
			validation.Min(time.Millisecond),
		),
		validation.Field(&c.MaxRequestsPerMinute,
			validation.Min(0),
		),
		validation.Field(&c.MaxBodySize,
			validation.Required,
			validation.Min(int64(1)),
		),
		validation.Field(&c.ConnectTimeout,
			validation.Required,
			validation.Min(time.Millisecond),
		),
		validation.Field(&c.Strategy,
			validation.Required,
			validation.In(StrategyRandom, StrategyRoundRobin),
		),
		validation.Field(&c.AdminBind,
			validation.By(validateHostPort),
		),
		validation.Field(&c.LogLevel,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
		validation.Field(&c.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
	)
}

// HealthCheckPeriod returns the probe interval as a duration.
func (c *Config) HealthCheckPeriod() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if err := is.Port.Validate(port); err != nil || port == "" {
		return validation.NewError("validation_invalid_port", "must be a valid port")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateUpstream(value interface{}) error {
	if err := validateHostPort(value); err != nil {
		return err
	}

	host, _, _ := net.SplitHostPort(value.(string))
	if host == "" {
		return validation.NewError("validation_missing_host", "upstream must name a host")
	}

	return nil
}
