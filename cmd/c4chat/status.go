package main

import (
	"fmt"

	c4chat "github.com/c4chat/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service reachability",
	Long:  "Display the effective configuration and check that the directory and the channel can be reached.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		client := s.client()
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", client.BaseURL())
		fmt.Fprintf(out, "  Channel URL: %s\n", client.Realtime().ChannelURL())
		fmt.Fprintf(out, "  Identity:    %s\n", valueOrDefault(s.Identity.String(), "(not set)"))

		if s.Identity.IsZero() {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := withTimeout()
		defer cancel()

		friends, err := client.Directory().Friends(ctx, s.Identity)
		if err != nil {
			fmt.Fprintf(out, "  Directory:   unreachable (%v)\n", err)
		} else {
			online := 0
			for _, f := range friends {
				if f.Online {
					online++
				}
			}
			fmt.Fprintf(out, "  Directory:   ok (%d friends, %d online)\n", len(friends), online)
		}

		ch := client.Realtime().Channel(&c4chat.RealtimeConfig{})
		if err := ch.Connect(ctx); err != nil {
			fmt.Fprintf(out, "  Channel:     unreachable (%v)\n", err)
			return nil
		}
		ch.Close()
		fmt.Fprintln(out, "  Channel:     ok")
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
