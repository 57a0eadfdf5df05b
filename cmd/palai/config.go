package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage PalAi configuration",
	Long:  "View or modify the PalAi CLI configuration stored in ~/.palai/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration the CLI runs with: the config file overlaid with PALAI_* variables\n" +
		"from the environment or ./.env. The token and pusher secret are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("# No configuration file found. Run 'palai login --remember' or 'palai config set' to create one.")
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Print(renderConfig(configRows(cfg)))
		return nil
	},
}

// configRow is one key of the effective configuration.
type configRow struct {
	Section string
	Key     string
	Value   string
	FromEnv bool
}

// configRows lists every key of file with the environment applied. Secrets
// are masked and keys whose value comes from the environment are flagged.
func configRows(file *Config) []configRow {
	eff := *file
	applyEnv(&eff)
	token := tokenStore(file).Token()

	port := func(p int) string {
		if p == 0 {
			return ""
		}
		return strconv.Itoa(p)
	}
	row := func(section, key, fileVal, effVal string) configRow {
		return configRow{Section: section, Key: key, Value: effVal, FromEnv: effVal != fileVal}
	}
	secret := func(r configRow) configRow {
		r.Value = maskKey(r.Value)
		return r
	}

	return []configRow{
		row("default", "base_url", file.Default.BaseURL, eff.Default.BaseURL),
		row("default", "api_base", file.Default.APIBase, eff.Default.APIBase),
		row("default", "log_level", file.Default.LogLevel, eff.Default.LogLevel),
		row("default", "cache_dir", file.Default.CacheDir, eff.Default.CacheDir),
		secret(row("auth", "token", file.Auth.Token, token)),
		row("auth", "user_id", file.Auth.UserID, eff.Auth.UserID),
		row("auth", "username", file.Auth.Username, eff.Auth.Username),
		row("realtime", "key", file.Realtime.Key, eff.Realtime.Key),
		row("realtime", "host", file.Realtime.Host, eff.Realtime.Host),
		row("realtime", "port", port(file.Realtime.Port), port(eff.Realtime.Port)),
		row("realtime", "scheme", file.Realtime.Scheme, eff.Realtime.Scheme),
		row("realtime", "auth_endpoint", file.Realtime.AuthEndpoint, eff.Realtime.AuthEndpoint),
		row("realtime", "namespace", file.Realtime.Namespace, eff.Realtime.Namespace),
		secret(row("realtime", "secret", file.Realtime.Secret, eff.Realtime.Secret)),
	}
}

// renderConfig prints rows grouped by section in TOML layout. Unset keys
// are skipped.
func renderConfig(rows []configRow) string {
	var b strings.Builder
	section := ""
	for _, r := range rows {
		if r.Value == "" {
			continue
		}
		if r.Section != section {
			if section != "" {
				b.WriteString("\n")
			}
			section = r.Section
			fmt.Fprintf(&b, "[%s]\n", section)
		}
		fmt.Fprintf(&b, "%s = %q", r.Key, r.Value)
		if r.FromEnv {
			b.WriteString("  # from environment")
		}
		b.WriteString("\n")
	}
	return b.String()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: palai config set realtime.host ws.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" || key == "realtime.secret" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
