package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagVerbose  bool
	flagBaseURL  string
	flagIdentity string
)

var rootCmd = &cobra.Command{
	Use:   "c4chat",
	Short: "c4chat CLI",
	Long:  "Command-line client for the c4chat contact and messaging service.\nManage friends, read history, chat and watch presence.",

	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "Service base URL (overrides config and C4CHAT_BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&flagIdentity, "as", "", "Identity to act as (overrides config and C4CHAT_IDENTITY)")
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load(".env")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
