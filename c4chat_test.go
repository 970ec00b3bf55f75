package c4chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type requestLog struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (l *requestLog) first() recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.requests) == 0 {
		return recordedRequest{}
	}
	return l.requests[0]
}

// newDirectoryServer returns a client whose requests are answered by
// handler and recorded into the returned log.
func newDirectoryServer(t *testing.T, handler http.HandlerFunc) (*Client, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		log.mu.Lock()
		log.requests = append(log.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.RawQuery,
			Body:   string(body),
		})
		log.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client())), log
}

func respondJSON(status int, v interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
}

// ============================================================================
// Client
// ============================================================================

func TestNewClientDefaults(t *testing.T) {
	c := NewClient()
	if c.BaseURL() != DefaultBaseURL {
		t.Errorf("expected base URL %s, got %s", DefaultBaseURL, c.BaseURL())
	}
	if c.httpClient.Timeout != DefaultTimeout {
		t.Errorf("expected timeout %v, got %v", DefaultTimeout, c.httpClient.Timeout)
	}
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want string
	}{
		{"https base", []ClientOption{WithBaseURL("https://chat.example.com/")}, "wss://chat.example.com/ws"},
		{"http base", []ClientOption{WithBaseURL("http://localhost:8080")}, "ws://localhost:8080/ws"},
		{"explicit", []ClientOption{WithChannelURL("wss://rt.example.com/socket")}, "wss://rt.example.com/socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewClient(tt.opts...).Realtime().ChannelURL()
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

// ============================================================================
// Directory Client
// ============================================================================

func TestDirectoryFriends(t *testing.T) {
	client, recorded := newDirectoryServer(t, respondJSON(http.StatusOK, []map[string]interface{}{
		{"email": "b@x.com", "online": true},
		{"email": "c@x.com", "online": false},
	}))

	friends, err := client.Directory().Friends(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("Friends returned error: %v", err)
	}
	if len(friends) != 2 || friends[0].Identity != "b@x.com" || !friends[0].Online || friends[1].Online {
		t.Fatalf("unexpected friends: %+v", friends)
	}

	req := recorded.first()
	if req.Method != http.MethodGet || req.Path != "/friends/a@x.com" {
		t.Errorf("unexpected request: %s %s", req.Method, req.Path)
	}
}

func TestDirectoryFriendRequests(t *testing.T) {
	client, recorded := newDirectoryServer(t, respondJSON(http.StatusOK, []map[string]string{{"email": "c@x.com"}}))

	requests, err := client.Directory().FriendRequests(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("FriendRequests returned error: %v", err)
	}
	if len(requests) != 1 || requests[0].Requester != "c@x.com" {
		t.Fatalf("unexpected requests: %+v", requests)
	}
	if got := recorded.first().Path; got != "/friendRequests/a@x.com" {
		t.Errorf("unexpected path %s", got)
	}
}

func TestDirectorySendFriendRequest(t *testing.T) {
	client, recorded := newDirectoryServer(t, respondJSON(http.StatusOK, map[string]string{"message": "ok"}))

	if err := client.Directory().SendFriendRequest(context.Background(), "a@x.com", "b@x.com"); err != nil {
		t.Fatalf("SendFriendRequest returned error: %v", err)
	}

	req := recorded.first()
	if req.Method != http.MethodPost || req.Path != "/sendFriendRequest" {
		t.Fatalf("unexpected request: %s %s", req.Method, req.Path)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["senderEmail"] != "a@x.com" || body["receiverEmail"] != "b@x.com" {
		t.Errorf("unexpected body: %s", req.Body)
	}
}

func TestDirectoryAcceptFriendRequest(t *testing.T) {
	client, recorded := newDirectoryServer(t, respondJSON(http.StatusOK, nil))

	if err := client.Directory().AcceptFriendRequest(context.Background(), "a@x.com", "c@x.com"); err != nil {
		t.Fatalf("AcceptFriendRequest returned error: %v", err)
	}

	var body map[string]string
	json.Unmarshal([]byte(recorded.first().Body), &body)
	if body["userEmail"] != "a@x.com" || body["friendEmail"] != "c@x.com" {
		t.Errorf("unexpected body: %s", recorded.first().Body)
	}
}

func TestDirectoryMessages(t *testing.T) {
	client, recorded := newDirectoryServer(t, respondJSON(http.StatusOK, []map[string]string{
		{"sender": "a@x.com", "receiver": "b@x.com", "message": "hi"},
		{"id": "m2", "sender": "b@x.com", "receiver": "a@x.com", "message": "hey"},
	}))

	messages, err := client.Directory().Messages(context.Background(), "a@x.com", "b@x.com")
	if err != nil {
		t.Fatalf("Messages returned error: %v", err)
	}
	if len(messages) != 2 || messages[0].Body != "hi" || messages[1].ID != "m2" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if got := recorded.first().Query; got != "receiver=b%40x.com&sender=a%40x.com" {
		t.Errorf("unexpected query %s", got)
	}
}

func TestDirectoryEmptyBody(t *testing.T) {
	client, _ := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	friends, err := client.Directory().Friends(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("Friends returned error: %v", err)
	}
	if len(friends) != 0 {
		t.Fatalf("expected no friends, got %+v", friends)
	}
}

func TestDirectoryErrors(t *testing.T) {
	t.Run("structured error", func(t *testing.T) {
		client, _ := newDirectoryServer(t, respondJSON(http.StatusNotFound, map[string]string{"error": "friend request not found"}))

		err := client.Directory().AcceptFriendRequest(context.Background(), "a@x.com", "z@x.com")
		if !errors.Is(err, ErrDurableCallFailed) {
			t.Fatalf("expected ErrDurableCallFailed, got %v", err)
		}
		var dce *DurableCallError
		if !errors.As(err, &dce) || dce.Op != "acceptFriendRequest" {
			t.Fatalf("expected DurableCallError for acceptFriendRequest, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError in chain, got %v", err)
		}
		if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "friend request not found" {
			t.Errorf("unexpected APIError: %+v", apiErr)
		}
	})

	t.Run("plain text error", func(t *testing.T) {
		client, _ := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})

		_, err := client.Directory().Friends(context.Background(), "a@x.com")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Message != "boom" {
			t.Fatalf("expected APIError with plain text message, got %v", err)
		}
	})

	t.Run("malformed response", func(t *testing.T) {
		client, _ := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		})

		_, err := client.Directory().Messages(context.Background(), "a@x.com", "b@x.com")
		if !errors.Is(err, ErrDurableCallFailed) {
			t.Fatalf("expected ErrDurableCallFailed, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client := NewClient(WithBaseURL(url))
		_, err := client.Directory().Friends(context.Background(), "a@x.com")
		if !errors.Is(err, ErrDurableCallFailed) {
			t.Fatalf("expected ErrDurableCallFailed, got %v", err)
		}
	})
}

func TestAPIErrorMessage(t *testing.T) {
	tests := []struct {
		err  *APIError
		want string
	}{
		{&APIError{StatusCode: 404, Message: "missing"}, "404: missing"},
		{&APIError{StatusCode: 409, Code: "CONFLICT", Message: "dup"}, "409 CONFLICT: dup"},
		{&APIError{StatusCode: 500}, "500: Internal Server Error"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}
