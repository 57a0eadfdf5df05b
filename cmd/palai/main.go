package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.palai/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	APIBase  string `toml:"api_base"`
	LogLevel string `toml:"log_level"`
	CacheDir string `toml:"cache_dir"`
}

// ConfigAuth holds the remembered login.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// ConfigRealtime locates the pusher server used for live updates.
type ConfigRealtime struct {
	Key          string `toml:"key"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Scheme       string `toml:"scheme"`
	AuthEndpoint string `toml:"auth_endpoint"`
	Namespace    string `toml:"namespace"`
	// Secret signs channels locally instead of calling auth_endpoint.
	// Development servers only.
	Secret string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.palai, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".palai")
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

// setConfigValue sets a config field using dot notation (e.g. "realtime.host").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "api_base":
			cfg.Default.APIBase = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "cache_dir":
			cfg.Default.CacheDir = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "key":
			cfg.Realtime.Key = value
		case "host":
			cfg.Realtime.Host = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil || port < 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", value)
			}
			cfg.Realtime.Port = port
		case "scheme":
			cfg.Realtime.Scheme = value
		case "auth_endpoint":
			cfg.Realtime.AuthEndpoint = value
		case "namespace":
			cfg.Realtime.Namespace = value
		case "secret":
			cfg.Realtime.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

// applyEnv overlays PALAI_* environment variables. The token is handled
// separately since it only lives for the shell session.
func applyEnv(cfg *Config) {
	set := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	set(&cfg.Default.BaseURL, "PALAI_BASE_URL")
	set(&cfg.Default.APIBase, "PALAI_API_BASE")
	set(&cfg.Default.LogLevel, "PALAI_LOG_LEVEL")
	set(&cfg.Realtime.Key, "PALAI_PUSHER_KEY")
	set(&cfg.Realtime.Host, "PALAI_PUSHER_HOST")
	set(&cfg.Realtime.Scheme, "PALAI_PUSHER_SCHEME")
	set(&cfg.Realtime.AuthEndpoint, "PALAI_PUSHER_AUTH_ENDPOINT")
	set(&cfg.Realtime.Namespace, "PALAI_PUSHER_NAMESPACE")
	if v := os.Getenv("PALAI_PUSHER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Realtime.Port = port
		}
	}
}

// ============================================================================
// Root command
// ============================================================================

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "palai",
	Short: "PalAi chat CLI",
	Long:  "Command-line client for the PalAi chat backend.\nSign in, manage conversations, send messages and watch conversations live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
