// Package c4chattest provides an in-memory c4chat backend for tests and
// local development.
//
// The Backend serves the directory REST endpoints and the websocket
// channel hub: friendships, pending requests, a message log and presence.
// Messages published on the channel are delivered to every connection of
// the receiver and echoed to every connection of the sender.
//
//	srv := c4chattest.NewServer()
//	defer srv.Close()
//	srv.AddFriendship("a@x.com", "b@x.com")
//	client := srv.NewClient()
package c4chattest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	c4chat "github.com/c4chat/sdk/golang"
)

// Route names accepted by FailNext.
const (
	RouteFriends             = "friends"
	RouteFriendRequests      = "friendRequests"
	RouteSendFriendRequest   = "sendFriendRequest"
	RouteAcceptFriendRequest = "acceptFriendRequest"
	RouteMessages            = "messages"
	RouteChannel             = "channel"
)

const peerSendBuffer = 64

// Backend is an in-memory c4chat service. It implements http.Handler.
type Backend struct {
	logger *slog.Logger
	router *mux.Router

	mu       sync.Mutex
	friends  map[c4chat.Identity]map[c4chat.Identity]struct{}
	requests map[c4chat.Identity][]c4chat.Identity // receiver -> requesters
	messages []c4chat.Message
	peers    map[*peer]struct{}
	failures map[string]int
	announce map[c4chat.Identity]int
}

type peer struct {
	conn     *websocket.Conn
	identity c4chat.Identity
	send     chan c4chat.Event
	once     sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.send) })
}

// NewBackend creates an empty backend. logger may be nil.
func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		logger:   logger,
		friends:  make(map[c4chat.Identity]map[c4chat.Identity]struct{}),
		requests: make(map[c4chat.Identity][]c4chat.Identity),
		peers:    make(map[*peer]struct{}),
		failures: make(map[string]int),
		announce: make(map[c4chat.Identity]int),
	}

	r := mux.NewRouter()
	r.Use(b.faultInjection)
	r.HandleFunc("/friends/{email}", b.handleFriends).Methods(http.MethodGet).Name(RouteFriends)
	r.HandleFunc("/friendRequests/{email}", b.handleFriendRequests).Methods(http.MethodGet).Name(RouteFriendRequests)
	r.HandleFunc("/sendFriendRequest", b.handleSendFriendRequest).Methods(http.MethodPost).Name(RouteSendFriendRequest)
	r.HandleFunc("/acceptFriendRequest", b.handleAcceptFriendRequest).Methods(http.MethodPost).Name(RouteAcceptFriendRequest)
	r.HandleFunc("/messages", b.handleMessages).Methods(http.MethodGet).Name(RouteMessages)
	r.HandleFunc("/ws", b.handleChannel).Methods(http.MethodGet).Name(RouteChannel)
	b.router = r
	return b
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// ============================================================================
// Seeding & inspection
// ============================================================================

// AddFriendship makes a and b friends of each other.
func (b *Backend) AddFriendship(a, c c4chat.Identity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.befriendLocked(a, c)
}

// AddFriendRequest records a pending request from -> to.
func (b *Backend) AddFriendRequest(from, to c4chat.Identity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addRequestLocked(from, to)
}

// AddMessage appends m to the message log without delivering it.
func (b *Backend) AddMessage(m c4chat.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, m)
}

// Messages returns a copy of the message log.
func (b *Backend) Messages() []c4chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]c4chat.Message(nil), b.messages...)
}

// AreFriends reports whether a and c are friends.
func (b *Backend) AreFriends(a, c c4chat.Identity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.friends[a][c]
	return ok
}

// PendingRequests returns the requesters waiting on to.
func (b *Backend) PendingRequests(to c4chat.Identity) []c4chat.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]c4chat.Identity(nil), b.requests[to]...)
}

// Online reports whether id has at least one announced connection.
func (b *Backend) Online(id c4chat.Identity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onlineLocked(id)
}

// Announcements returns how many setOnline events id has sent.
func (b *Backend) Announcements(id c4chat.Identity) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.announce[id]
}

// FailNext makes the next n requests to route fail with 500.
func (b *Backend) FailNext(route string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[route] += n
}

// Deliver pushes m to the receiver's and sender's connections as if it had
// been published by the sender. It is not added to the log.
func (b *Backend) Deliver(m c4chat.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(m)
}

// BroadcastPresence pushes a presence event to every connection.
func (b *Backend) BroadcastPresence(id c4chat.Identity, status c4chat.PresenceStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastPresenceLocked(id, status)
}

// Shutdown closes every channel connection.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()
	for _, p := range peers {
		p.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (b *Backend) befriendLocked(a, c c4chat.Identity) {
	if b.friends[a] == nil {
		b.friends[a] = make(map[c4chat.Identity]struct{})
	}
	if b.friends[c] == nil {
		b.friends[c] = make(map[c4chat.Identity]struct{})
	}
	b.friends[a][c] = struct{}{}
	b.friends[c][a] = struct{}{}
}

func (b *Backend) addRequestLocked(from, to c4chat.Identity) {
	for _, r := range b.requests[to] {
		if r == from {
			return
		}
	}
	b.requests[to] = append(b.requests[to], from)
}

func (b *Backend) removeRequestLocked(from, to c4chat.Identity) bool {
	list := b.requests[to]
	for i, r := range list {
		if r == from {
			b.requests[to] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Backend) onlineLocked(id c4chat.Identity) bool {
	for p := range b.peers {
		if p.identity == id {
			return true
		}
	}
	return false
}

// ============================================================================
// REST handlers
// ============================================================================

func (b *Backend) faultInjection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			name := route.GetName()
			b.mu.Lock()
			fail := b.failures[name] > 0
			if fail {
				b.failures[name]--
			}
			b.mu.Unlock()
			if fail {
				writeError(w, http.StatusInternalServerError, "injected failure")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleFriends(w http.ResponseWriter, r *http.Request) {
	id := c4chat.Identity(mux.Vars(r)["email"])

	b.mu.Lock()
	friends := make([]c4chat.Friend, 0, len(b.friends[id]))
	for f := range b.friends[id] {
		friends = append(friends, c4chat.Friend{Identity: f, Online: b.onlineLocked(f)})
	}
	b.mu.Unlock()

	sort.Slice(friends, func(i, j int) bool { return friends[i].Identity < friends[j].Identity })
	writeJSON(w, http.StatusOK, friends)
}

func (b *Backend) handleFriendRequests(w http.ResponseWriter, r *http.Request) {
	id := c4chat.Identity(mux.Vars(r)["email"])

	b.mu.Lock()
	requests := make([]c4chat.FriendRequest, 0, len(b.requests[id]))
	for _, from := range b.requests[id] {
		requests = append(requests, c4chat.FriendRequest{Requester: from})
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, requests)
}

func (b *Backend) handleSendFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderEmail   c4chat.Identity `json:"senderEmail"`
		ReceiverEmail c4chat.Identity `json:"receiverEmail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SenderEmail.IsZero() || req.ReceiverEmail.IsZero() || req.SenderEmail == req.ReceiverEmail {
		writeError(w, http.StatusBadRequest, "senderEmail and receiverEmail must be distinct identities")
		return
	}

	b.mu.Lock()
	_, already := b.friends[req.SenderEmail][req.ReceiverEmail]
	if !already {
		b.addRequestLocked(req.SenderEmail, req.ReceiverEmail)
	}
	b.mu.Unlock()

	b.logger.Debug("friend request", "from", req.SenderEmail, "to", req.ReceiverEmail, "alreadyFriends", already)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Friend request sent"})
}

func (b *Backend) handleAcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserEmail   c4chat.Identity `json:"userEmail"`
		FriendEmail c4chat.Identity `json:"friendEmail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b.mu.Lock()
	found := b.removeRequestLocked(req.FriendEmail, req.UserEmail)
	if found {
		b.removeRequestLocked(req.UserEmail, req.FriendEmail)
		b.befriendLocked(req.UserEmail, req.FriendEmail)
	}
	b.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "friend request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Friend request accepted"})
}

func (b *Backend) handleMessages(w http.ResponseWriter, r *http.Request) {
	sender := c4chat.Identity(r.URL.Query().Get("sender"))
	receiver := c4chat.Identity(r.URL.Query().Get("receiver"))
	if sender.IsZero() || receiver.IsZero() {
		writeError(w, http.StatusBadRequest, "sender and receiver are required")
		return
	}

	b.mu.Lock()
	history := make([]c4chat.Message, 0)
	for _, m := range b.messages {
		if m.Between(sender, receiver) {
			history = append(history, m)
		}
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, history)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ============================================================================
// Channel hub
// ============================================================================

func (b *Backend) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		b.logger.Warn("websocket accept failed", "error", err)
		return
	}

	p := &peer{conn: conn, send: make(chan c4chat.Event, peerSendBuffer)}
	b.mu.Lock()
	b.peers[p] = struct{}{}
	b.mu.Unlock()

	ctx := r.Context()
	go b.writePump(ctx, p)
	b.readPump(ctx, p)
}

func (b *Backend) readPump(ctx context.Context, p *peer) {
	defer b.unregister(p)
	for {
		var ev c4chat.Event
		if err := wsjson.Read(ctx, p.conn, &ev); err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				b.logger.Debug("channel read failed", "identity", p.identity, "error", err)
			}
			return
		}
		b.handleEvent(p, ev)
	}
}

func (b *Backend) writePump(ctx context.Context, p *peer) {
	for ev := range p.send {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(writeCtx, p.conn, ev)
		cancel()
		if err != nil {
			p.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (b *Backend) unregister(p *peer) {
	b.mu.Lock()
	delete(b.peers, p)
	p.close()
	if !p.identity.IsZero() && !b.onlineLocked(p.identity) {
		b.broadcastPresenceLocked(p.identity, c4chat.StatusOffline)
	}
	b.mu.Unlock()
	p.conn.Close(websocket.StatusNormalClosure, "")
}

func (b *Backend) handleEvent(p *peer, ev c4chat.Event) {
	switch ev.Type {
	case c4chat.EventSetOnline:
		var id c4chat.Identity
		if err := ev.Decode(&id); err != nil || id.IsZero() {
			return
		}
		b.mu.Lock()
		p.identity = id
		b.announce[id]++
		b.broadcastPresenceLocked(id, c4chat.StatusOnline)
		b.mu.Unlock()
		b.logger.Debug("peer online", "identity", id)

	case c4chat.EventSendMessage:
		var m c4chat.Message
		if err := ev.Decode(&m); err != nil || m.Sender.IsZero() || m.Receiver.IsZero() {
			return
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		b.mu.Lock()
		b.messages = append(b.messages, m)
		b.deliverLocked(m)
		b.mu.Unlock()

	default:
		b.logger.Debug("ignoring channel event", "type", ev.Type)
	}
}

func (b *Backend) deliverLocked(m c4chat.Message) {
	ev, err := c4chat.NewReceiveMessageEvent(m)
	if err != nil {
		return
	}
	for p := range b.peers {
		if p.identity == m.Receiver || p.identity == m.Sender {
			b.enqueueLocked(p, ev)
		}
	}
}

func (b *Backend) broadcastPresenceLocked(id c4chat.Identity, status c4chat.PresenceStatus) {
	ev, err := c4chat.NewPresenceEvent(id, status)
	if err != nil {
		return
	}
	for p := range b.peers {
		b.enqueueLocked(p, ev)
	}
}

// enqueueLocked drops the event for a peer that is too slow to keep up.
func (b *Backend) enqueueLocked(p *peer, ev c4chat.Event) {
	select {
	case p.send <- ev:
	default:
		b.logger.Warn("dropping event for slow peer", "identity", p.identity, "type", ev.Type)
	}
}
