// Package config provides YAML-based configuration loading for the relay and client.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by both binaries.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Client ClientConfig `mapstructure:"client" yaml:"client"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Redis  RedisConfig  `mapstructure:"redis" yaml:"redis"`
}

// ServerConfig configures the relay listener.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// StrictHandshake rejects first frames without the alias prefix.
	StrictHandshake bool `mapstructure:"strict_handshake" yaml:"strict_handshake"`
	// HandshakeTimeout bounds the wait for the first frame (0 = unbounded).
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	// WriteTimeout bounds every frame write to a client (0 = unbounded).
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// SendQueueSize is the number of lines buffered per client before it is dropped.
	SendQueueSize int `mapstructure:"send_queue_size" yaml:"send_queue_size"`

	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
}

// TLSConfig holds the server certificate.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
}

// WebSocketConfig enables WebSocket clients on the relay port.
type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ClientConfig configures the chat client.
type ClientConfig struct {
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Alias         string        `mapstructure:"alias" yaml:"alias"`
	TLS           bool          `mapstructure:"tls" yaml:"tls"`
	Transport     string        `mapstructure:"transport" yaml:"transport"` // tcp or ws
	WebSocketPath string        `mapstructure:"websocket_path" yaml:"websocket_path"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// RedisConfig configures the optional activity tap.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
}

// Address returns host:port for the relay listener.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Address returns host:port of the relay the client dials.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Default returns a Config populated with the stock settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             50000,
			TLS:              TLSConfig{CertFile: "ssl/server.crt", KeyFile: "ssl/server.key"},
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			SendQueueSize:    64,
			WebSocket:        WebSocketConfig{Enabled: true, Path: "/ws"},
		},
		Client: ClientConfig{
			Host:          "127.0.0.1",
			Port:          50000,
			Alias:         "Anonymous",
			Transport:     "tcp",
			WebSocketPath: "/ws",
			DialTimeout:   5 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "relaychat",
			QueueSize: 256,
		},
	}
}

// Load reads configuration from path, or from chat.yaml in the working
// directory or ~/.relay-chat when path is empty. A missing file is not an
// error. Environment variables use the prefix CHAT with '.' replaced by '_',
// e.g. CHAT_SERVER_PORT=6000.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		if envPath := os.Getenv("CHAT_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chat")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".relay-chat"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only configs work.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.tls.enabled", cfg.Server.TLS.Enabled)
	v.SetDefault("server.tls.cert_file", cfg.Server.TLS.CertFile)
	v.SetDefault("server.tls.key_file", cfg.Server.TLS.KeyFile)
	v.SetDefault("server.strict_handshake", cfg.Server.StrictHandshake)
	v.SetDefault("server.handshake_timeout", cfg.Server.HandshakeTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.send_queue_size", cfg.Server.SendQueueSize)
	v.SetDefault("server.websocket.enabled", cfg.Server.WebSocket.Enabled)
	v.SetDefault("server.websocket.path", cfg.Server.WebSocket.Path)

	v.SetDefault("client.host", cfg.Client.Host)
	v.SetDefault("client.port", cfg.Client.Port)
	v.SetDefault("client.alias", cfg.Client.Alias)
	v.SetDefault("client.tls", cfg.Client.TLS)
	v.SetDefault("client.transport", cfg.Client.Transport)
	v.SetDefault("client.websocket_path", cfg.Client.WebSocketPath)
	v.SetDefault("client.dial_timeout", cfg.Client.DialTimeout)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("redis.enabled", cfg.Redis.Enabled)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.key_prefix", cfg.Redis.KeyPrefix)
	v.SetDefault("redis.queue_size", cfg.Redis.QueueSize)
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ValidTransports lists the client transports.
var ValidTransports = []string{"tcp", "ws"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if err := validPort("server.port", c.Server.Port, true); err != nil {
		return err
	}
	if err := validPort("client.port", c.Client.Port, false); err != nil {
		return err
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires cert_file and key_file")
	}
	if c.Server.SendQueueSize <= 0 {
		return fmt.Errorf("invalid server.send_queue_size: %d", c.Server.SendQueueSize)
	}
	if c.Server.WebSocket.Enabled && !strings.HasPrefix(c.Server.WebSocket.Path, "/") {
		return fmt.Errorf("invalid server.websocket.path: %q", c.Server.WebSocket.Path)
	}

	validTransport := false
	for _, t := range ValidTransports {
		if c.Client.Transport == t {
			validTransport = true
			break
		}
	}
	if !validTransport {
		return fmt.Errorf("invalid client.transport: %s (valid: %v)", c.Client.Transport, ValidTransports)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

func validPort(name string, port int, allowZero bool) error {
	if port < 0 || port > 65535 || (port == 0 && !allowZero) {
		return fmt.Errorf("invalid %s: %d", name, port)
	}
	return nil
}
