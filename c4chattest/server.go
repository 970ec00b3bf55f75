package c4chattest

import (
	"net/http/httptest"

	c4chat "github.com/c4chat/sdk/golang"
)

// Server is a Backend listening on a local httptest server.
type Server struct {
	*Backend
	HTTP *httptest.Server
}

// NewServer starts a Backend on a random local port.
func NewServer() *Server {
	b := NewBackend(nil)
	return &Server{Backend: b, HTTP: httptest.NewServer(b)}
}

// URL returns the base URL of the server.
func (s *Server) URL() string { return s.HTTP.URL }

// NewClient returns a c4chat client pointed at the server.
func (s *Server) NewClient(opts ...c4chat.ClientOption) *c4chat.Client {
	opts = append([]c4chat.ClientOption{
		c4chat.WithBaseURL(s.HTTP.URL),
		c4chat.WithHTTPClient(s.HTTP.Client()),
	}, opts...)
	return c4chat.NewClient(opts...)
}

// Close drops every channel connection and stops the server.
func (s *Server) Close() {
	s.Shutdown()
	s.HTTP.Close()
}
