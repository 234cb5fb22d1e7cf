package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/google/uuid"
)

const (
	DefaultAddr   = ":8080"
	DefaultWSPath = "/ws"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr           string          `mapstructure:"addr"`
	Path           string          `mapstructure:"ws_path"`
	DBPath         string          `mapstructure:"db_path"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	MaxImageBytes  int             `mapstructure:"max_image_bytes"`
	Retention      RetentionConfig `mapstructure:"retention"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Log            clog.Config     `mapstructure:"log"`

	// Logger overrides the one built from Log.
	Logger clog.Logger `mapstructure:"-"`
}

type RetentionConfig struct {
	Disabled     bool          `mapstructure:"disabled"`
	Window       time.Duration `mapstructure:"window"`
	Interval     time.Duration `mapstructure:"interval"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

type RateLimitConfig struct {
	SendLimit  int           `mapstructure:"send_limit"`
	SendWindow time.Duration `mapstructure:"send_window"`
	ConnLimit  int           `mapstructure:"conn_limit"`
	ConnWindow time.Duration `mapstructure:"conn_window"`
	// DisableAPI turns off the per-ip limiter in front of /api.
	DisableAPI bool `mapstructure:"disable_api"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Username  string
	RoomKey   string
	UserID    string
}

// LoadServerConfig reads configs/roomchat.yaml (if present) and ROOMCHAT_*
// environment overrides, then fills in defaults.
func LoadServerConfig(ctx context.Context) (ServerConfig, error) {
	loader, err := config.New(&config.Config{
		Name:     "roomchat",
		FileType: "yaml",
	},
		config.WithConfigName("roomchat"),
		config.WithConfigPaths("./configs"),
		config.WithEnvPrefix("ROOMCHAT"),
	)
	if err != nil {
		return ServerConfig{}, err
	}
	if err := loader.Load(ctx); err != nil {
		return ServerConfig{}, err
	}
	var cfg ServerConfig
	if err := loader.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// DefaultServerConfig is the configuration used when no file is available.
func DefaultServerConfig() ServerConfig {
	var cfg ServerConfig
	cfg.applyDefaults()
	return cfg
}

func (c *ServerConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	c.Path = NormalizeJoinPath(c.Path)
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("ROOMCHAT_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(dataDir(), "roomchat.db")
}

// DefaultUserIDPath is where the client remembers its user id between runs.
func DefaultUserIDPath() string {
	return filepath.Join(dataDir(), "user-id")
}

func dataDir() string {
	if env := os.Getenv("ROOMCHAT_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Roomchat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Roomchat")
		}
		return filepath.Join(home, ".local", "share", "roomchat")
	}
	return filepath.Join(".", ".roomchat")
}

// LoadOrCreateUserID returns the id stored at path, writing a fresh one when
// the file is missing or empty. The id survives reconnects and restarts.
func LoadOrCreateUserID(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeJoinPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultWSPath
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
