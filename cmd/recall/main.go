package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ent0n29/recall/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "recall",
		Short:         "Multi-tenant chat service with hybrid conversational memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("load %s: %w", envFile, err)
				}
			}
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			*cfg = loaded
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: logLevel(cfg.LogLevel),
			})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(newServeCmd(cfg), newCheckCmd(cfg), newKBCmd(cfg))
	return root
}

func logLevel(v string) slog.Level {
	switch v {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
