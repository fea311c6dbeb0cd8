package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	crm "github.com/kevinderitis/crm-front-v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.crm/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Log      ConfigLog      `toml:"log"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds the backend endpoints.
type ConfigDefault struct {
	APIURL string `toml:"api_url"`
	WSURL  string `toml:"ws_url"`
}

// ConfigAuth holds the signed-in session.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
	Role     string `toml:"role"`
}

type ConfigLog struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// ConfigRealtime tunes the push channel. Durations use Go syntax ("30s").
type ConfigRealtime struct {
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	ReconnectDelay       string `toml:"reconnect_delay"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.crm, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".crm")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// applyEnv overlays CRM_* environment variables on cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CRM_API_URL"); v != "" {
		cfg.Default.APIURL = v
	}
	if v := os.Getenv("CRM_WS_URL"); v != "" {
		cfg.Default.WSURL = v
	}
	if v := os.Getenv("CRM_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_url":
			cfg.Default.APIURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		case "role":
			cfg.Auth.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := zapcore.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q: %w", value, err)
			}
			cfg.Log.Level = value
		case "path":
			cfg.Log.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "realtime":
		switch field {
		case "heartbeat_interval", "reconnect_delay":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			if field == "heartbeat_interval" {
				cfg.Realtime.HeartbeatInterval = value
			} else {
				cfg.Realtime.ReconnectDelay = value
			}
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("max_reconnect_attempts must be a non-negative integer")
			}
			cfg.Realtime.MaxReconnectAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, log, realtime)", section)
	}
	return nil
}

// realtimeConfig converts the [realtime] section. Zero values keep library defaults.
func (c *Config) realtimeConfig() (crm.RealtimeConfig, error) {
	var rc crm.RealtimeConfig
	if c.Realtime.HeartbeatInterval != "" {
		d, err := time.ParseDuration(c.Realtime.HeartbeatInterval)
		if err != nil {
			return rc, fmt.Errorf("realtime.heartbeat_interval: %w", err)
		}
		rc.HeartbeatInterval = d
	}
	if c.Realtime.ReconnectDelay != "" {
		d, err := time.ParseDuration(c.Realtime.ReconnectDelay)
		if err != nil {
			return rc, fmt.Errorf("realtime.reconnect_delay: %w", err)
		}
		rc.ReconnectDelay = d
	}
	rc.MaxReconnectAttempts = c.Realtime.MaxReconnectAttempts
	return rc, nil
}

// ============================================================================
// Logging
// ============================================================================

// newLogger builds a JSON logger, rotating through lumberjack when a path is set.
// Without a path only warnings and above reach stderr.
func newLogger(cfg ConfigLog) (*zap.Logger, error) {
	level := zapcore.WarnLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		level = l
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.Path != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, level)
	return zap.New(core), nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "crm",
	Short:         "Messaging CRM console",
	Long:          "Command-line console for the messaging CRM.\nSign in, follow live conversations, payments and tickets, and act on them.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Ignoring .env: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
