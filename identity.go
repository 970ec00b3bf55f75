package c4chat

import (
	"context"
	"sync"
)

// IdentityProvider supplies the signed-in identity and its lifecycle.
type IdentityProvider interface {
	// CurrentIdentity returns the signed-in identity, or "".
	CurrentIdentity() Identity

	// Watch calls fn on every identity change until cancel is called.
	Watch(fn func(Identity)) (cancel func())

	SignIn(ctx context.Context) error
	SignOut(ctx context.Context) error
}

// StaticIdentity is an IdentityProvider for a fixed, pre-authenticated
// identity, such as one read from a config file. SignIn activates it and
// SignOut clears it. Watchers are called synchronously, in registration
// order, on the goroutine that changed the identity.
type StaticIdentity struct {
	configured Identity

	mu       sync.Mutex
	current  Identity
	nextID   int
	watchers map[int]func(Identity)
	order    []int
}

// NewStaticIdentity returns a provider for id that starts signed out.
func NewStaticIdentity(id Identity) *StaticIdentity {
	return &StaticIdentity{
		configured: normalizeIdentity(id.String()),
		watchers:   make(map[int]func(Identity)),
	}
}

func (s *StaticIdentity) CurrentIdentity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *StaticIdentity) Watch(fn func(Identity)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
		for i, w := range s.order {
			if w == id {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// SignIn activates the configured identity. An empty configured identity
// is an invalid intent.
func (s *StaticIdentity) SignIn(ctx context.Context) error {
	if s.configured.IsZero() {
		return invalidIntent("no identity configured")
	}
	s.set(s.configured)
	return nil
}

func (s *StaticIdentity) SignOut(ctx context.Context) error {
	s.set("")
	return nil
}

func (s *StaticIdentity) set(id Identity) {
	s.mu.Lock()
	if s.current == id {
		s.mu.Unlock()
		return
	}
	s.current = id
	watchers := make([]func(Identity), 0, len(s.order))
	for _, w := range s.order {
		watchers = append(watchers, s.watchers[w])
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(id)
	}
}
