package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	c4chat "github.com/c4chat/sdk/golang"
	"github.com/c4chat/sdk/golang/c4chattest"
)

var (
	devserverAddr string
	devserverSeed string
)

// Seed is the TOML document accepted by devserver --seed.
//
//	[[friendship]]
//	a = "alice@example.com"
//	b = "bob@example.com"
//
//	[[request]]
//	from = "carol@example.com"
//	to = "alice@example.com"
//
//	[[message]]
//	sender = "bob@example.com"
//	receiver = "alice@example.com"
//	message = "hi"
type Seed struct {
	Friendships []SeedFriendship `toml:"friendship"`
	Requests    []SeedRequest    `toml:"request"`
	Messages    []SeedMessage    `toml:"message"`
}

type SeedFriendship struct {
	A c4chat.Identity `toml:"a"`
	B c4chat.Identity `toml:"b"`
}

type SeedRequest struct {
	From c4chat.Identity `toml:"from"`
	To   c4chat.Identity `toml:"to"`
}

type SeedMessage struct {
	ID       string          `toml:"id"`
	Sender   c4chat.Identity `toml:"sender"`
	Receiver c4chat.Identity `toml:"receiver"`
	Body     string          `toml:"message"`
}

func loadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read seed file: %w", err)
	}
	var seed Seed
	if err := toml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("cannot parse seed file: %w", err)
	}
	return &seed, nil
}

func (s *Seed) apply(b *c4chattest.Backend) {
	for _, f := range s.Friendships {
		b.AddFriendship(f.A, f.B)
	}
	for _, r := range s.Requests {
		b.AddFriendRequest(r.From, r.To)
	}
	for _, m := range s.Messages {
		b.AddMessage(c4chat.Message{ID: m.ID, Sender: m.Sender, Receiver: m.Receiver, Body: m.Body})
	}
}

func init() {
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "127.0.0.1:8080", "Listen address")
	devserverCmd.Flags().StringVar(&devserverSeed, "seed", "", "TOML file with initial friendships, requests and messages")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory c4chat backend for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend := c4chattest.NewBackend(slog.Default())
		if devserverSeed != "" {
			seed, err := loadSeed(devserverSeed)
			if err != nil {
				return err
			}
			seed.apply(backend)
		}

		srv := &http.Server{
			Addr:              devserverAddr,
			Handler:           backend,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		fmt.Fprintf(cmd.OutOrStdout(), "c4chat devserver listening on http://%s\n", devserverAddr)

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		slog.Info("shutting down devserver")
		backend.Shutdown()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
