package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	c4chat "github.com/c4chat/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	watchJSON bool
)

// startEngine builds an engine bound to a static identity provider and
// signs in. The returned stop function signs out and releases the channel.
func startEngine(ctx context.Context, s *settings, register func(*c4chat.Engine)) (*c4chat.Engine, func(), error) {
	id, err := s.identity()
	if err != nil {
		return nil, nil, err
	}
	client := s.client()

	engine := c4chat.NewEngine(
		client.Directory(),
		client.Realtime().Dialer(&c4chat.RealtimeConfig{AutoReconnect: true, MaxReconnectAttempts: -1}),
		&c4chat.EngineOptions{Logger: slog.Default()},
	)
	if register != nil {
		register(engine)
	}

	provider := c4chat.NewStaticIdentity(id)
	unbind := engine.Bind(ctx, provider)
	stop := func() {
		provider.SignOut(context.Background())
		unbind()
		engine.Close()
	}
	if err := provider.SignIn(ctx); err != nil {
		stop()
		return nil, nil, err
	}
	return engine, stop, nil
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <friend>",
	Short: "Open an interactive conversation with a friend",
	Long: "Open a conversation, print its history and stream new messages.\n" +
		"Each line typed on stdin is sent as a message. Type /quit or press Ctrl-D to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		friend := c4chat.Identity(args[0])

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errOut := cmd.ErrOrStderr()
		printer := &transcriptPrinter{w: cmd.OutOrStdout(), me: c4chat.Identity(strings.TrimSpace(s.Identity.String()))}

		engine, stop, err := startEngine(ctx, s, func(e *c4chat.Engine) {
			e.On(c4chat.ChangeTranscript, func(_ string, payload interface{}) {
				if u, ok := payload.(c4chat.TranscriptUpdate); ok {
					printer.apply(u)
				}
			})
			e.On(c4chat.ChangePresence, func(_ string, payload interface{}) {
				if f, ok := payload.(c4chat.Friend); ok && f.Identity == friend {
					fmt.Fprintf(errOut, "* %s is %s\n", f.Identity, onlineLabel(f.Online))
				}
			})
			e.On(c4chat.ChangeSyncError, func(_ string, payload interface{}) {
				fmt.Fprintf(errOut, "! %v\n", payload)
			})
		})
		if err != nil {
			return err
		}
		defer stop()

		if err := engine.SelectConversation(ctx, friend); err != nil {
			if errors.Is(err, c4chat.ErrInvalidIntent) {
				return err
			}
			fmt.Fprintf(errOut, "! history unavailable: %v\n", err)
		}

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
					continue
				case line == "/quit":
					return nil
				}
				if _, err := engine.SendMessage(ctx, line); err != nil {
					fmt.Fprintf(errOut, "! not sent: %v\n", err)
				}
			}
		}
	},
}

// transcriptPrinter prints each message of the active conversation once.
// Updates can arrive out of order, so anything not newer than the last
// applied version is dropped.
type transcriptPrinter struct {
	w  io.Writer
	me c4chat.Identity

	mu      sync.Mutex
	version uint64
	printed int
}

func (p *transcriptPrinter) apply(u c4chat.TranscriptUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.Version <= p.version {
		return
	}
	p.version = u.Version
	// History is still loading; print once it is merged.
	if u.Loading {
		p.printed = 0
		return
	}
	if len(u.Messages) < p.printed {
		p.printed = len(u.Messages)
	}
	for _, m := range u.Messages[p.printed:] {
		fmt.Fprintln(p.w, formatMessage(p.me, m))
	}
	p.printed = len(u.Messages)
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream friend, request and presence changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		_, stop, err := startEngine(ctx, s, func(e *c4chat.Engine) {
			e.On(c4chat.ChangeAll, func(event string, payload interface{}) {
				mu.Lock()
				defer mu.Unlock()
				if watchJSON {
					if err, ok := payload.(error); ok {
						payload = err.Error()
					}
					printJSON(out, map[string]interface{}{"event": event, "payload": payload})
					return
				}
				printChange(out, event, payload)
			})
		})
		if err != nil {
			return err
		}
		defer stop()

		<-ctx.Done()
		return nil
	},
}

func printChange(w io.Writer, event string, payload interface{}) {
	switch p := payload.(type) {
	case []c4chat.Friend:
		fmt.Fprintf(w, "%s: %d friend(s)\n", event, len(p))
		for _, f := range p {
			fmt.Fprintf(w, "  %-32s %s\n", f.Identity, onlineLabel(f.Online))
		}
	case []c4chat.FriendRequest:
		fmt.Fprintf(w, "%s: %d pending\n", event, len(p))
		for _, r := range p {
			fmt.Fprintf(w, "  %s\n", r.Requester)
		}
	case c4chat.Friend:
		fmt.Fprintf(w, "%s: %s is %s\n", event, p.Identity, onlineLabel(p.Online))
	case c4chat.TranscriptUpdate:
		fmt.Fprintf(w, "%s: %d message(s)\n", event, len(p.Messages))
	default:
		fmt.Fprintf(w, "%s: %v\n", event, p)
	}
}

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Output one JSON object per change")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(watchCmd)
}
