package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"carechat/internal/client"
)

var (
	serverURL string
	token     string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Command line client for a carechat server",
	Long: `chatctl talks to a carechat server over its REST API and websocket
connection. Use it to obtain a token, send messages and watch conversations.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("CARECHAT_URL", "http://localhost:8080"), "server base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("CARECHAT_TOKEN"), "access token (default $CARECHAT_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection state changes")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// newAgent builds a connection agent for the configured server and token.
func newAgent(api *client.API, cfg client.Config) (*client.Agent, error) {
	if token == "" {
		return nil, fmt.Errorf("no token: run chatctl login or set CARECHAT_TOKEN")
	}
	cfg.Token = token
	cfg.Logger = newLogger()
	return client.NewAgent(client.NewWebsocketTransport(api.WebsocketURL()), cfg), nil
}
