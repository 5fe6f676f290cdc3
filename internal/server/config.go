package server

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/relaychat/internal/bytesize"
	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/storage"
)

// EnvPrefix prefixes environment overrides, e.g. RELAYCHAT_LISTEN_ADDRESS.
const EnvPrefix = "RELAYCHAT"

// RateLimitConfig defines the parameters for per-session command rate limiting.
// A Burst of zero, the default, disables limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
	RefillInterval time.Duration `mapstructure:"refill_interval" yaml:"refill_interval"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// AdminConfig toggles the privileged HTTP API.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Config holds the server configuration.
type Config struct {
	// ListenAddress is the TCP address for framed clients.
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address" validate:"required"`

	// HTTPAddress serves health, metrics, the WebSocket gateway and the
	// admin API. Empty disables HTTP entirely.
	HTTPAddress string `mapstructure:"http_address" yaml:"http_address"`

	MaxFrameSize bytesize.ByteSize `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	MaxFileSize  bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size"`

	// MaxConnections caps concurrent connections. Zero means unlimited.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"gte=0"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	RateLimit      RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	AllowedOrigins []string        `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	Storage storage.Config `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Admin   AdminConfig    `mapstructure:"admin" yaml:"admin"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() Config {
	return Config{
		ListenAddress:   ":55555",
		HTTPAddress:     ":8080",
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		MaxFileSize:     protocol.DefaultMaxFileSize,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          0,
			RefillInterval: time.Second,
		},
		AllowedOrigins: []string{"http://localhost:8080"},
		Storage: storage.Config{
			Type:      storage.TypeLocal,
			Directory: "uploads",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// sanitizeConfig fills zero values with defaults and normalizes enums.
func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	cfg.Storage.Type = strings.ToLower(strings.TrimSpace(cfg.Storage.Type))
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = def.Storage.Type
	}
	if cfg.Storage.Directory == "" {
		cfg.Storage.Directory = def.Storage.Directory
	}

	cfg.Logging.Level = strings.ToUpper(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}

	return cfg
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.MaxFileSize > cfg.MaxFrameSize {
		return fmt.Errorf("max_file_size (%s) must not exceed max_frame_size (%s)", cfg.MaxFileSize, cfg.MaxFrameSize)
	}
	if uint64(cfg.MaxFrameSize) > uint64(^uint32(0)) {
		return fmt.Errorf("max_frame_size (%s) exceeds the 4-byte length prefix", cfg.MaxFrameSize)
	}
	if cfg.Storage.Type == storage.TypeS3 && cfg.Storage.S3.Bucket == "" {
		return errors.New("storage.s3.bucket is required when storage.type is s3")
	}
	return nil
}

// LoadConfig loads configuration with this precedence (highest first):
//  1. Environment variables (RELAYCHAT_*)
//  2. The YAML file at path, when path is non-empty
//  3. Default values
func LoadConfig(path string) (Config, error) {
	v := newViper(path)

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decodeConfig(v)
}

// WatchConfig re-reads the file at path whenever it changes and passes the
// resulting configuration to apply. Files that fail to load are logged and
// ignored.
func WatchConfig(path string, apply func(Config)) error {
	if path == "" {
		return errors.New("no config file to watch")
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decodeConfig(v)
		if err != nil {
			logger.Warn("Ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		logger.Info("Configuration reloaded", "file", e.Name)
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}

// YAML renders cfg in the configuration file format.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// setDefaults registers every key so environment overrides are honored even
// when no config file sets them.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("listen_address", def.ListenAddress)
	v.SetDefault("http_address", def.HTTPAddress)
	v.SetDefault("max_frame_size", def.MaxFrameSize.String())
	v.SetDefault("max_file_size", def.MaxFileSize.String())
	v.SetDefault("max_connections", def.MaxConnections)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout.String())
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", def.RateLimit.RefillInterval.String())
	v.SetDefault("allowed_origins", def.AllowedOrigins)
	v.SetDefault("storage.type", def.Storage.Type)
	v.SetDefault("storage.directory", def.Storage.Directory)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("admin.enabled", def.Admin.Enabled)
}

func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook accepts "5Mi", "8MiB", "512KB" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook accepts "30s", "5m" or raw nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
