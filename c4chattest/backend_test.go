package c4chattest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	c4chat "github.com/c4chat/sdk/golang"
)

func postJSON(t *testing.T, srv *Server, path string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := srv.HTTP.Client().Post(srv.URL()+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	return resp
}

func getJSON(t *testing.T, srv *Server, path string, v interface{}) int {
	t.Helper()
	resp, err := srv.HTTP.Client().Get(srv.URL() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func dialPeer(t *testing.T, srv *Server, id c4chat.Identity) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL(), "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	if !id.IsZero() {
		ev, _ := c4chat.NewSetOnlineEvent(id)
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			t.Fatalf("setOnline: %v", err)
		}
	}
	return conn
}

// readUntil reads events until one of eventType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) c4chat.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var ev c4chat.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if ev.Type == eventType {
			return ev
		}
	}
}

func TestFriendRequestFlow(t *testing.T) {
	srv := NewServer()
	defer srv.Close()

	resp := postJSON(t, srv, "/sendFriendRequest", map[string]string{"senderEmail": "a@x.com", "receiverEmail": "b@x.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sendFriendRequest: status %d", resp.StatusCode)
	}
	// Duplicates are idempotent.
	postJSON(t, srv, "/sendFriendRequest", map[string]string{"senderEmail": "a@x.com", "receiverEmail": "b@x.com"})

	var requests []c4chat.FriendRequest
	getJSON(t, srv, "/friendRequests/b@x.com", &requests)
	if len(requests) != 1 || requests[0].Requester != "a@x.com" {
		t.Fatalf("unexpected requests: %+v", requests)
	}

	resp = postJSON(t, srv, "/acceptFriendRequest", map[string]string{"userEmail": "b@x.com", "friendEmail": "a@x.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acceptFriendRequest: status %d", resp.StatusCode)
	}
	if !srv.AreFriends("a@x.com", "b@x.com") || !srv.AreFriends("b@x.com", "a@x.com") {
		t.Fatal("friendship is not symmetric")
	}
	if len(srv.PendingRequests("b@x.com")) != 0 {
		t.Fatal("request still pending")
	}

	resp = postJSON(t, srv, "/acceptFriendRequest", map[string]string{"userEmail": "b@x.com", "friendEmail": "a@x.com"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second accept: expected 404, got %d", resp.StatusCode)
	}
}

func TestSendFriendRequestValidation(t *testing.T) {
	srv := NewServer()
	defer srv.Close()

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing receiver", map[string]string{"senderEmail": "a@x.com"}},
		{"self", map[string]string{"senderEmail": "a@x.com", "receiverEmail": "a@x.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := postJSON(t, srv, "/sendFriendRequest", tt.body); resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}

	srv.AddFriendship("a@x.com", "b@x.com")
	postJSON(t, srv, "/sendFriendRequest", map[string]string{"senderEmail": "a@x.com", "receiverEmail": "b@x.com"})
	if len(srv.PendingRequests("b@x.com")) != 0 {
		t.Fatal("request recorded between existing friends")
	}
}

func TestMessagesEndpoint(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	srv.AddMessage(c4chat.Message{Sender: "a@x.com", Receiver: "b@x.com", Body: "1"})
	srv.AddMessage(c4chat.Message{Sender: "c@x.com", Receiver: "a@x.com", Body: "2"})
	srv.AddMessage(c4chat.Message{Sender: "b@x.com", Receiver: "a@x.com", Body: "3"})

	var messages []c4chat.Message
	getJSON(t, srv, "/messages?sender=a@x.com&receiver=b@x.com", &messages)
	if len(messages) != 2 || messages[0].Body != "1" || messages[1].Body != "3" {
		t.Fatalf("unexpected history: %+v", messages)
	}

	if status := getJSON(t, srv, "/messages?sender=a@x.com", nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestFailNext(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	srv.AddFriendship("a@x.com", "b@x.com")

	srv.FailNext(RouteFriends, 2)
	for i := 0; i < 2; i++ {
		if status := getJSON(t, srv, "/friends/a@x.com", nil); status != http.StatusInternalServerError {
			t.Fatalf("call %d: expected 500, got %d", i, status)
		}
	}
	var friends []c4chat.Friend
	if status := getJSON(t, srv, "/friends/a@x.com", &friends); status != http.StatusOK {
		t.Fatalf("expected 200 after injected failures, got %d", status)
	}
	if len(friends) != 1 || friends[0].Identity != "b@x.com" {
		t.Fatalf("unexpected friends: %+v", friends)
	}
}

func TestChannelHub(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	srv.AddFriendship("a@x.com", "b@x.com")

	a := dialPeer(t, srv, "a@x.com")
	readUntil(t, a, c4chat.EventUpdateOnlineStatus)

	b := dialPeer(t, srv, "b@x.com")
	var p c4chat.PresenceEvent
	readUntil(t, a, c4chat.EventUpdateOnlineStatus).Decode(&p)
	if p.Identity != "b@x.com" || !p.Online() {
		t.Fatalf("unexpected presence: %+v", p)
	}

	var friends []c4chat.Friend
	getJSON(t, srv, "/friends/a@x.com", &friends)
	if len(friends) != 1 || !friends[0].Online {
		t.Fatalf("expected b online in friends list: %+v", friends)
	}

	ev, _ := c4chat.NewSendMessageEvent(c4chat.Message{ID: "m1", Sender: "a@x.com", Receiver: "b@x.com", Body: "hi"})
	if err := wsjson.Write(context.Background(), a, ev); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got c4chat.Message
	readUntil(t, b, c4chat.EventReceiveMessage).Decode(&got)
	if got.ID != "m1" || got.Body != "hi" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	var echo c4chat.Message
	readUntil(t, a, c4chat.EventReceiveMessage).Decode(&echo)
	if echo.ID != "m1" {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if log := srv.Messages(); len(log) != 1 || log[0].ID != "m1" {
		t.Fatalf("message not logged: %+v", log)
	}

	b.Close(websocket.StatusNormalClosure, "")
	readUntil(t, a, c4chat.EventUpdateOnlineStatus).Decode(&p)
	if p.Identity != "b@x.com" || p.Online() {
		t.Fatalf("expected b offline, got %+v", p)
	}
}
