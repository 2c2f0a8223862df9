// Package config loads server settings from defaults, an optional
// config.yaml, a .env file and CHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrConfiguration = errors.New("configuration error")

const envPrefix = "CHAT"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Chat      ChatConfig      `mapstructure:"chat"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"          validate:"required"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
	Issuer    string `mapstructure:"issuer"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite badger"`
	// Path is the SQLite file or the Badger directory. An empty Badger path
	// keeps everything in memory.
	Path string `mapstructure:"path"`
}

type ChatConfig struct {
	MaxBodyLength  int           `mapstructure:"max_body_length" validate:"min=1"`
	PageSize       int           `mapstructure:"page_size"       validate:"min=1,max=200"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" validate:"min=1s"`
}

type WebSocketConfig struct {
	SendBuffer       int           `mapstructure:"send_buffer"       validate:"min=1"`
	MaxFrameBytes    int64         `mapstructure:"max_frame_bytes"   validate:"min=512"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"min=100ms"`
	PingInterval     time.Duration `mapstructure:"ping_interval"     validate:"min=1s"`
	PongWait         time.Duration `mapstructure:"pong_wait"         validate:"gtfield=PingInterval"`
	WriteWait        time.Duration `mapstructure:"write_wait"        validate:"min=1s"`
}

type SchedulerConfig struct {
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"min=1s"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

var defaults = map[string]any{
	"server.address":          ":8080",
	"server.allowed_origins":  []string{"http://localhost:3000"},
	"server.read_timeout":     15 * time.Second,
	"server.write_timeout":    15 * time.Second,
	"server.shutdown_timeout": 10 * time.Second,

	"auth.issuer": "",

	"store.driver": "sqlite",
	"store.path":   "data/messenger.db",

	"chat.max_body_length": 4000,
	"chat.page_size":       20,
	"chat.idempotency_ttl": 10 * time.Minute,

	"websocket.send_buffer":       256,
	"websocket.max_frame_bytes":   8192,
	"websocket.operation_timeout": 10 * time.Second,
	"websocket.ping_interval":     54 * time.Second,
	"websocket.pong_wait":         60 * time.Second,
	"websocket.write_wait":        10 * time.Second,

	"scheduler.maintenance_interval": time.Minute,

	"log.level":  "info",
	"log.format": "json",
}

// Load reads configuration. Each path is searched for config.yaml; with no
// paths the working directory is used. Values from the environment win over
// the file, which wins over defaults.
func Load(paths ...string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Bound explicitly so CHAT_AUTH_JWT_SECRET is seen without a default.
	_ = v.BindEnv("auth.jwt_secret")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config file: %v", ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfiguration, err)
	}
	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

// splitOrigins accepts both a YAML list and a comma separated env value.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, origin := range strings.Split(item, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}
