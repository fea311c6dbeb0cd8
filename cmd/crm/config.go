package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CRM configuration",
	Long:  "View or modify the CLI configuration stored in ~/.crm/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Show the configuration after CRM_* environment overrides. The session token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)
		writeConfig(os.Stdout, cfg)
		return nil
	},
}

// writeConfig renders cfg section by section. Unset values show what the
// client falls back to.
func writeConfig(w io.Writer, cfg *Config) {
	fmt.Fprintln(w, "[default]")
	fmt.Fprintf(w, "  api_url                 %s\n", valueOrDefault(cfg.Default.APIURL, "(not set)"))
	fmt.Fprintf(w, "  ws_url                  %s\n", valueOrDefault(cfg.Default.WSURL, "(same as api_url)"))

	fmt.Fprintln(w, "[auth]")
	if cfg.Auth.Token == "" {
		fmt.Fprintln(w, "  (not logged in)")
	} else {
		fmt.Fprintf(w, "  token                   %s\n", maskKey(cfg.Auth.Token))
		fmt.Fprintf(w, "  user                    %s (%s)\n",
			valueOrDefault(cfg.Auth.UserName, "-"), valueOrDefault(cfg.Auth.UserID, "-"))
		fmt.Fprintf(w, "  role                    %s\n", valueOrDefault(cfg.Auth.Role, "-"))
	}

	fmt.Fprintln(w, "[log]")
	fmt.Fprintf(w, "  level                   %s\n", valueOrDefault(cfg.Log.Level, "warn"))
	fmt.Fprintf(w, "  path                    %s\n", valueOrDefault(cfg.Log.Path, "(stderr)"))

	attempts := "5"
	if cfg.Realtime.MaxReconnectAttempts > 0 {
		attempts = strconv.Itoa(cfg.Realtime.MaxReconnectAttempts)
	}
	fmt.Fprintln(w, "[realtime]")
	fmt.Fprintf(w, "  heartbeat_interval      %s\n", valueOrDefault(cfg.Realtime.HeartbeatInterval, "30s"))
	fmt.Fprintf(w, "  reconnect_delay         %s\n", valueOrDefault(cfg.Realtime.ReconnectDelay, "5s"))
	fmt.Fprintf(w, "  max_reconnect_attempts  %s\n", attempts)
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: crm config set realtime.reconnect_delay 5s",
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

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
