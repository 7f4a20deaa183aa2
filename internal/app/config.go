package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr           string
	Path           string
	DBPath         string
	AllowedOrigins []string
	Auth           AuthConfig
	Transport      TransportConfig
	Limits         LimitsConfig
	Log            LogConfig
}

type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type TransportConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

type LimitsConfig struct {
	EventsPerWindow int
	EventWindow     time.Duration
	AuthPerWindow   int
	AuthWindow      time.Duration
}

type LogConfig struct {
	Level string
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL   string
	Username    string
	Token       string
	SessionPath string
}

// Config is everything Load produces.
type Config struct {
	Server ServerConfig
	Client ClientConfig
}

const devSecret = "parley-dev-secret-change-me"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.db", "")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("auth.secret", devSecret)
	v.SetDefault("auth.tokenTTL", "24h")
	v.SetDefault("transport.writeWait", "10s")
	v.SetDefault("transport.pongWait", "60s")
	v.SetDefault("transport.pingPeriod", "54s")
	v.SetDefault("transport.maxMessageSize", 8192)
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("limits.eventsPerWindow", 20)
	v.SetDefault("limits.eventWindow", "2s")
	v.SetDefault("limits.authPerWindow", 10)
	v.SetDefault("limits.authWindow", "1m")
	v.SetDefault("log.level", "info")
	v.SetDefault("client.serverURL", "ws://localhost:8080/ws")
	v.SetDefault("client.username", "")
	v.SetDefault("client.token", "")
	v.SetDefault("client.session", "")
}

// NewViper returns a viper instance with defaults, the optional config file
// and PARLEY_* environment overrides wired in. Callers may bind flags to it
// before calling Load.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("parley")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file and resolves every setting. A searched-for
// parley.yaml may be absent; an explicit config file may not.
func Load(logger *slog.Logger, v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Debug("no config file found, using defaults and environment")
	} else {
		logger.Info("loaded config", "file", v.ConfigFileUsed())
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			Path:           NormalizeJoinPath(v.GetString("server.path")),
			DBPath:         v.GetString("server.db"),
			AllowedOrigins: v.GetStringSlice("server.allowedOrigins"),
			Auth: AuthConfig{
				Secret:   v.GetString("auth.secret"),
				TokenTTL: v.GetDuration("auth.tokenTTL"),
			},
			Transport: TransportConfig{
				WriteWait:      v.GetDuration("transport.writeWait"),
				PongWait:       v.GetDuration("transport.pongWait"),
				PingPeriod:     v.GetDuration("transport.pingPeriod"),
				MaxMessageSize: v.GetInt64("transport.maxMessageSize"),
				SendBuffer:     v.GetInt("transport.sendBuffer"),
			},
			Limits: LimitsConfig{
				EventsPerWindow: v.GetInt("limits.eventsPerWindow"),
				EventWindow:     v.GetDuration("limits.eventWindow"),
				AuthPerWindow:   v.GetInt("limits.authPerWindow"),
				AuthWindow:      v.GetDuration("limits.authWindow"),
			},
			Log: LogConfig{Level: v.GetString("log.level")},
		},
		Client: ClientConfig{
			ServerURL:   v.GetString("client.serverURL"),
			Username:    v.GetString("client.username"),
			Token:       v.GetString("client.token"),
			SessionPath: v.GetString("client.session"),
		},
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = DefaultDBPath()
	}
	if cfg.Client.SessionPath == "" {
		cfg.Client.SessionPath = DefaultSessionPath()
	}
	if cfg.Server.Auth.Secret == devSecret {
		logger.Warn("auth.secret is the development default; set PARLEY_AUTH_SECRET in production")
	}
	return cfg, nil
}

// NewLogger builds the process logger for a level name.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	return filepath.Join(dataDir(), "parley.db")
}

// DefaultSessionPath is where the client keeps its access token.
func DefaultSessionPath() string {
	return filepath.Join(dataDir(), "session.json")
}

func dataDir() string {
	if env := os.Getenv("PARLEY_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "parley")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Parley")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Parley")
		}
		return filepath.Join(home, ".local", "share", "parley")
	}
	return filepath.Join(".", ".parley")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and
// falls back to /ws when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
