package main

import (
	"fmt"

	c4chat "github.com/c4chat/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	friendsJSON  bool
	requestsJSON bool
	historyJSON  bool
)

// ============================================================================
// friends
// ============================================================================

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List your friends and their presence",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, me, err := session()
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout()
		defer cancel()

		friends, err := client.Directory().Friends(ctx, me)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if friendsJSON {
			return printJSON(out, friends)
		}
		if len(friends) == 0 {
			fmt.Fprintln(out, "No friends yet. Send a request with 'c4chat add <identity>'.")
			return nil
		}
		for _, f := range friends {
			fmt.Fprintf(out, "  %-32s %s\n", f.Identity, onlineLabel(f.Online))
		}
		return nil
	},
}

// ============================================================================
// requests
// ============================================================================

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending friend requests addressed to you",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, me, err := session()
		if err != nil {
			return err
		}

		ctx, cancel := withTimeout()
		defer cancel()

		requests, err := client.Directory().FriendRequests(ctx, me)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if requestsJSON {
			return printJSON(out, requests)
		}
		if len(requests) == 0 {
			fmt.Fprintln(out, "No pending friend requests.")
			return nil
		}
		for _, r := range requests {
			fmt.Fprintf(out, "  %s\n", r.Requester)
		}
		return nil
	},
}

// ============================================================================
// add
// ============================================================================

var addCmd = &cobra.Command{
	Use:   "add <identity>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, me, err := session()
		if err != nil {
			return err
		}
		target := c4chat.Identity(args[0])
		if target == me {
			return fmt.Errorf("cannot send a friend request to yourself")
		}

		ctx, cancel := withTimeout()
		defer cancel()

		if err := client.Directory().SendFriendRequest(ctx, me, target); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Friend request sent to %s\n", target)
		return nil
	},
}

// ============================================================================
// accept
// ============================================================================

var acceptCmd = &cobra.Command{
	Use:   "accept <identity>",
	Short: "Accept a pending friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, me, err := session()
		if err != nil {
			return err
		}
		requester := c4chat.Identity(args[0])

		ctx, cancel := withTimeout()
		defer cancel()

		if err := client.Directory().AcceptFriendRequest(ctx, me, requester); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "You and %s are now friends\n", requester)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <friend>",
	Short: "Print the message history with a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, me, err := session()
		if err != nil {
			return err
		}
		friend := c4chat.Identity(args[0])

		ctx, cancel := withTimeout()
		defer cancel()

		messages, err := client.Directory().Messages(ctx, me, friend)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			return printJSON(out, messages)
		}
		if len(messages) == 0 {
			fmt.Fprintln(out, "No messages found.")
			return nil
		}
		for _, m := range messages {
			fmt.Fprintln(out, formatMessage(me, m))
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	friendsCmd.Flags().BoolVar(&friendsJSON, "json", false, "Output raw JSON")
	requestsCmd.Flags().BoolVar(&requestsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(friendsCmd)
	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(historyCmd)
}
