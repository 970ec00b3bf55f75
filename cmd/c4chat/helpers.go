package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	c4chat "github.com/c4chat/sdk/golang"
)

// requestTimeout bounds one-shot directory commands.
const requestTimeout = 15 * time.Second

// settings is the effective configuration: file, then environment, then
// flags.
type settings struct {
	BaseURL    string
	ChannelURL string
	Identity   c4chat.Identity
}

func loadSettings() (*settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)

	s := &settings{
		BaseURL:    cfg.Default.BaseURL,
		ChannelURL: cfg.Default.ChannelURL,
		Identity:   c4chat.Identity(cfg.Auth.Identity),
	}
	if flagBaseURL != "" {
		s.BaseURL = flagBaseURL
	}
	if flagIdentity != "" {
		s.Identity = c4chat.Identity(flagIdentity)
	}
	return s, nil
}

func (s *settings) client() *c4chat.Client {
	var opts []c4chat.ClientOption
	if s.BaseURL != "" {
		opts = append(opts, c4chat.WithBaseURL(s.BaseURL))
	}
	if s.ChannelURL != "" {
		opts = append(opts, c4chat.WithChannelURL(s.ChannelURL))
	}
	return c4chat.NewClient(opts...)
}

// identity returns the configured identity or an error telling the user
// how to set one.
func (s *settings) identity() (c4chat.Identity, error) {
	if s.Identity.IsZero() {
		return "", fmt.Errorf("no identity configured; run 'c4chat init <identity>' or pass --as")
	}
	return s.Identity, nil
}

// session loads settings and returns a client together with the identity
// to act as.
func session() (*c4chat.Client, c4chat.Identity, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, "", err
	}
	id, err := s.identity()
	if err != nil {
		return nil, "", err
	}
	return s.client(), id, nil
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func formatMessage(me c4chat.Identity, m c4chat.Message) string {
	who := m.Sender.String()
	if m.Sender == me {
		who = "you"
	}
	return fmt.Sprintf("%s: %s", who, m.Body)
}
