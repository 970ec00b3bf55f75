package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "server", "", "Service base URL to store alongside the identity")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <identity>",
	Short: "Store your identity in ~/.c4chat/config.toml",
	Long:  "Initialize the c4chat CLI by storing the identity (email) you act as.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity := strings.TrimSpace(args[0])
		if identity == "" {
			return fmt.Errorf("identity must not be empty")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Identity = identity
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Identity %s saved to %s\n", identity, path)
		return nil
	},
}
