package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gigconnect-chat/internal/auth"
	"gigconnect-chat/internal/config"
	"gigconnect-chat/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gigconnect-chat",
	Short: "GigConnect realtime chat service",
	Long: `Chat service for the GigConnect marketplace.

Available commands:
  serve     Run the HTTP, websocket and gRPC health servers
  rebuild   Recompute chat projections from the message log
  token     Issue a signed development token`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recompute last-message snapshots and unread counters for every chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		n, err := newChatService(cfg, store, nil, nil, nil).RebuildAll(ctx)
		if err != nil {
			return err
		}
		logging.L().Info().Int("chats", n).Msg("projections rebuilt")
		return nil
	},
}

var (
	tokenUser int
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a token for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if tokenUser <= 0 {
			return fmt.Errorf("--user must be positive")
		}
		token, err := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(tokenUser, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")

	tokenCmd.Flags().IntVar(&tokenUser, "user", 0, "user id to embed")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "client", "role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, rebuildCmd, tokenCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: cfg.Tracing.ServiceName,
	})
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
