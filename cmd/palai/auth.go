package main

import (
	"context"
	"fmt"
	"time"

	palai "github.com/palai/palai-go"
	"github.com/spf13/cobra"
)

var (
	loginRemember bool
	loginDevice   string
)

func init() {
	loginCmd.Flags().BoolVar(&loginRemember, "remember", false, "Store the token in ~/.palai/config.toml")
	loginCmd.Flags().StringVar(&loginDevice, "device", "", "Device name reported to the server")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(forgotPasswordCmd)
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Sign in with email and password",
	Long: "Sign in and obtain a bearer token.\n" +
		"With --remember the token is saved to the config file. Otherwise an export line\n" +
		"is printed so the token only lives for the current shell.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getAnonClient()

		email := ""
		if len(args) == 1 {
			email = args[0]
		} else {
			var err error
			if email, err = promptLine("Email: "); err != nil {
				return fmt.Errorf("failed to read email: %w", err)
			}
		}
		password, err := promptSecret("Password: ")
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.Auth.Login(ctx, palai.LoginOptions{Email: email, Password: password, DeviceName: loginDevice})
		if err != nil {
			return apiError(err)
		}

		store := palai.NewTokenStore(cfg.Auth.Token)
		store.Set(res.Token, loginRemember)
		if loginRemember {
			// Reload so environment overrides are not written to disk.
			onDisk, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			onDisk.Auth = ConfigAuth{Token: store.Persistent(), UserID: res.User.ID.String(), Username: res.User.Username}
			if err := saveConfig(onDisk); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			path, _ := configPath()
			fmt.Printf("Logged in as %s. Token saved to %s\n", valueOrDefault(res.User.DisplayName(), email), path)
			return nil
		}

		fmt.Printf("Logged in as %s.\n", valueOrDefault(res.User.DisplayName(), email))
		fmt.Println("Run this to use the token in the current shell:")
		fmt.Printf("  export PALAI_TOKEN=%s\n", store.Token())
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

// ============================================================================
// forgot-password
// ============================================================================

var forgotPasswordCmd = &cobra.Command{
	Use:   "forgot-password <email>",
	Short: "Email a password reset link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAnonClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.Auth.SendResetPasswordLink(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		fmt.Println(valueOrDefault(res.Message(), "If the address is registered, a reset link is on its way."))
		return nil
	},
}
