package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	palai "github.com/palai/palai-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// mustConfig loads the config file with environment overrides applied.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnv(cfg)
	return cfg
}

func newLogger(cfg *Config) *logrus.Logger {
	level := cfg.Default.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return palai.NewLogger(level)
}

func clientOptions(cfg *Config, log logrus.FieldLogger) []palai.ClientOption {
	opts := []palai.ClientOption{palai.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, palai.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.APIBase != "" {
		opts = append(opts, palai.WithAPIBase(cfg.Default.APIBase))
	}
	return opts
}

// tokenStore holds the remembered token, overridden for this shell by
// PALAI_TOKEN.
func tokenStore(cfg *Config) *palai.TokenStore {
	store := palai.NewTokenStore(cfg.Auth.Token)
	if tok := os.Getenv("PALAI_TOKEN"); tok != "" {
		store.Set(tok, false)
	}
	return store
}

// getClient creates a client authenticated with the stored token.
func getClient() (*palai.Client, *Config) {
	cfg := mustConfig()
	store := tokenStore(cfg)
	if store.Token() == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'palai login' first.")
		os.Exit(1)
	}
	return palai.NewClient(store, clientOptions(cfg, newLogger(cfg))...), cfg
}

// getAnonClient creates a client for flows that run before login.
func getAnonClient() (*palai.Client, *Config) {
	cfg := mustConfig()
	return palai.NewClient(nil, clientOptions(cfg, newLogger(cfg))...), cfg
}

// newBroadcaster returns the live update source described by the realtime
// config, or a broadcaster that never connects when none is configured.
func newBroadcaster(cfg *Config, client *palai.Client) palai.Broadcaster {
	rt := cfg.Realtime
	if rt.Key == "" || rt.Host == "" {
		return palai.NopBroadcaster{}
	}
	var auth palai.ChannelAuthorizer = palai.NewEndpointAuthorizer(client, rt.AuthEndpoint)
	if rt.Secret != "" {
		if a, err := palai.NewSecretAuthorizer(rt.Key, rt.Secret); err == nil {
			auth = a
		}
	}
	return palai.NewPusherBroadcaster(palai.PusherConfig{
		Key:       rt.Key,
		Host:      rt.Host,
		Port:      rt.Port,
		Scheme:    rt.Scheme,
		Namespace: rt.Namespace,
	}, auth, palai.WithPusherLogger(client.Logger()))
}

// openCache opens the message cache when cache_dir is set.
func openCache(cfg *Config) (palai.MessageCache, error) {
	if cfg.Default.CacheDir == "" {
		return nil, nil
	}
	return palai.OpenPebbleCache(cfg.Default.CacheDir)
}

// apiError turns a client error into the message shown to the user.
func apiError(err error) error {
	var apiErr *palai.APIError
	switch {
	case palai.IsUnauthorized(err), errors.Is(err, palai.ErrUnauthenticated):
		return fmt.Errorf("session expired or invalid. Run 'palai login' again")
	case errors.As(err, &apiErr):
		return fmt.Errorf("%s", apiErr.Flatten())
	case palai.IsTransient(err):
		return fmt.Errorf("cannot reach the server: %w", err)
	default:
		return err
	}
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

var stdin = bufio.NewReader(os.Stdin)

func promptLine(label string) (string, error) {
	fmt.Print(label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptSecret reads without echo when stdin is a terminal.
func promptSecret(label string) (string, error) {
	fmt.Print(label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Println()
	return strings.TrimSpace(string(b)), nil
}

// terminalConfirm asks on stdin; only "y" or "yes" approve.
var terminalConfirm = palai.ConfirmFunc(func(_ context.Context, prompt string) bool {
	answer, err := promptLine(prompt + " [y/N] ")
	if err != nil {
		return false
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
})

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
