package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token has expired, and fetch the signed-in user.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		token := tokenStore(cfg).Token()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  API base:    %s\n", valueOrDefault(cfg.Default.APIBase, "(default)"))
		if cfg.Realtime.Key != "" {
			fmt.Printf("  Realtime:    %s (key %s)\n", cfg.Realtime.Host, maskKey(cfg.Realtime.Key))
		} else {
			fmt.Println("  Realtime:    (not configured)")
		}
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Default.CacheDir, "(off)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username:    %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		}
		fmt.Printf("  Token:       %s\n", tokenStatus(token, time.Now()))

		if token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Users.Current(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", apiError(err))
			return nil
		}
		fmt.Printf("  Name:        %s\n", me.DisplayName())
		fmt.Printf("  Username:    %s\n", valueOrDefault(me.Username, "-"))
		fmt.Printf("  Email:       %s\n", valueOrDefault(me.Email, "-"))
		return nil
	},
}

// tokenStatus describes a bearer token. JWTs report their expiry; opaque
// tokens such as Sanctum's "id|secret" are only reported as present.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "present (opaque)"
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "present (no expiry set)"
	}
	if now.Before(exp.Time) {
		return fmt.Sprintf("valid (expires %s)", exp.Time.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp.Time.Format(time.RFC3339))
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check API server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getAnonClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := client.Health(ctx); err != nil {
			fmt.Println("API server: UNHEALTHY")
			return apiError(err)
		}
		fmt.Println("API server: HEALTHY")
		return nil
	},
}
