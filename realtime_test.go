package c4chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventDispatcher(t *testing.T) {
	t.Run("delivers in subscription order", func(t *testing.T) {
		d := newEventDispatcher()
		var order []string
		d.subscribe("x", func(Event) { order = append(order, "a") })
		d.subscribe("x", func(Event) { order = append(order, "b") })
		d.subscribe("y", func(Event) { order = append(order, "y") })

		d.dispatch(Event{Type: "x"})
		if !equalStrings(order, []string{"a", "b"}) {
			t.Fatalf("unexpected order: %v", order)
		}
	})

	t.Run("unsubscribe removes only that handler", func(t *testing.T) {
		d := newEventDispatcher()
		var calls []string
		unsubA := d.subscribe("x", func(Event) { calls = append(calls, "a") })
		d.subscribe("x", func(Event) { calls = append(calls, "b") })

		unsubA()
		unsubA()
		d.dispatch(Event{Type: "x"})
		if !equalStrings(calls, []string{"b"}) {
			t.Fatalf("unexpected calls: %v", calls)
		}
	})

	t.Run("connected dispatches the connect event", func(t *testing.T) {
		d := newEventDispatcher()
		connects := 0
		d.subscribe(EventConnect, func(Event) { connects++ })
		d.emitConnected()
		if connects != 1 {
			t.Fatalf("expected 1 connect event, got %d", connects)
		}
	})

	t.Run("clear drops every subscription", func(t *testing.T) {
		d := newEventDispatcher()
		called := false
		d.subscribe("x", func(Event) { called = true })
		d.clear()
		d.dispatch(Event{Type: "x"})
		if called {
			t.Fatal("handler called after clear")
		}
	})
}

func TestReconnector(t *testing.T) {
	cfg := &RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3}
	cfg.defaults()
	r := newReconnector(cfg)

	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	if len(delays) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(delays))
	}
	for i, d := range delays {
		base := 100 * time.Millisecond << i
		if d < base || d > base+50*time.Millisecond {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", i, d, base, base+50*time.Millisecond)
		}
	}

	capped := newReconnector(&RealtimeConfig{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 2 * time.Second, MaxReconnectAttempts: -1})
	for i := 0; i < 10; i++ {
		if !capped.shouldReconnect() {
			t.Fatal("unlimited reconnector gave up")
		}
		if d := capped.nextDelay(); d > 2*time.Second {
			t.Fatalf("delay %v exceeds max", d)
		}
	}
}

func TestRealtimeConfigDefaults(t *testing.T) {
	var cfg RealtimeConfig
	cfg.defaults()
	if cfg.MaxReconnectAttempts != 10 || cfg.HeartbeatInterval != 25*time.Second || cfg.HTTPClient == nil || cfg.Logger == nil {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestWSChannelPublishWithoutConnection(t *testing.T) {
	ch := NewClient(WithBaseURL("http://127.0.0.1:1")).Realtime().Channel(nil)
	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ch.State())
	}
	err := ch.SendMessage(context.Background(), Message{Sender: "a", Receiver: "b", Body: "x"})
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}

	ch.Close()
	if err := ch.Connect(context.Background()); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable after Close, got %v", err)
	}
}

func TestEventDecode(t *testing.T) {
	ev, err := NewPresenceEvent("a@x.com", StatusOnline)
	if err != nil {
		t.Fatal(err)
	}
	if string(ev.Payload) != `{"email":"a@x.com","status":"online"}` {
		t.Fatalf("unexpected payload %s", ev.Payload)
	}
	var p PresenceEvent
	if err := ev.Decode(&p); err != nil || !p.Online() || p.Identity != "a@x.com" {
		t.Fatalf("unexpected decode %+v (%v)", p, err)
	}

	ev, _ = NewSendMessageEvent(Message{ID: "1", Sender: "a", Receiver: "b", Body: "hi"})
	if string(ev.Payload) != `{"id":"1","sender":"a","receiver":"b","message":"hi"}` {
		t.Fatalf("unexpected payload %s", ev.Payload)
	}
}
