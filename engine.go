// Synchronization engine.
//
// The Engine owns the authoritative in-memory view of one session: friends,
// pending friend requests, the active conversation and its transcript. It
// merges durable state fetched through a Directory with live events pushed
// over a Channel.
//
// Usage:
//
//	engine := c4chat.NewEngine(client.Directory(), client.Realtime().Dialer(nil), nil)
//	engine.On(c4chat.ChangeTranscript, func(_ string, payload any) { render(payload.(c4chat.TranscriptUpdate)) })
//	defer engine.Close()
//
//	if err := engine.SetSession(ctx, "a@example.com"); err != nil { ... }
//	if err := engine.SelectConversation(ctx, "b@example.com"); err != nil { ... }
//	msg, err := engine.SendMessage(ctx, "hello")
package c4chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Directory is the durable-state backend used by the Engine.
// *DirectoryClient implements it.
type Directory interface {
	Friends(ctx context.Context, id Identity) ([]Friend, error)
	FriendRequests(ctx context.Context, id Identity) ([]FriendRequest, error)
	SendFriendRequest(ctx context.Context, sender, receiver Identity) error
	AcceptFriendRequest(ctx context.Context, user, friend Identity) error
	Messages(ctx context.Context, sender, receiver Identity) ([]Message, error)
}

// ============================================================================
// Change Events
// ============================================================================

// Change events emitted by the Engine, with their payload types.
const (
	ChangeSession           = "session.changed"       // Identity
	ChangeFriends           = "friends.updated"       // []Friend
	ChangeRequests          = "requests.updated"      // []FriendRequest
	ChangePresence          = "presence.changed"      // Friend
	ChangeConversation      = "conversation.selected" // Friend
	ChangeTranscript        = "transcript.updated"    // TranscriptUpdate
	ChangeFriendRequestSent = "friend_request.sent"   // Identity
	ChangeSyncError         = "sync.error"            // error

	// ChangeAll subscribes to every change event.
	ChangeAll = "*"
)

// ChangeHandler observes engine state changes. Handlers run after the
// state lock is released and may call Snapshot. Changes made concurrently
// on different goroutines may reach handlers in either order.
type ChangeHandler func(event string, payload any)

// TranscriptUpdate is the ChangeTranscript payload: the transcript as of
// Version. Version grows with every transcript mutation, so an observer
// should drop any update whose Version is not above the last one applied.
type TranscriptUpdate struct {
	Version  uint64
	Loading  bool
	Messages []Message
}

type changeEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]ChangeHandler
}

// On registers handler for event, or for every event with ChangeAll.
func (e *changeEmitter) On(event string, handler ChangeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *changeEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append(append([]ChangeHandler(nil), e.listeners[event]...), e.listeners[ChangeAll]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

type change struct {
	event   string
	payload any
}

func (e *changeEmitter) emitAll(changes []change) {
	for _, c := range changes {
		e.emit(c.event, c.payload)
	}
}

// ============================================================================
// Engine
// ============================================================================

// EngineOptions configures an Engine.
type EngineOptions struct {
	Logger *slog.Logger

	// AnnounceTimeout bounds the presence re-announcement after a channel
	// reconnect. Defaults to 10s.
	AnnounceTimeout time.Duration
}

// State is a point-in-time copy of the engine view.
type State struct {
	Identity   Identity
	Friends    []Friend
	Requests   []FriendRequest
	Active     *Friend
	Transcript []Message

	// TranscriptVersion matches TranscriptUpdate.Version.
	TranscriptVersion uint64

	// Loading is true while the history of the active conversation is
	// being fetched.
	Loading bool
}

// Engine is the client-side synchronization engine. All methods are safe
// for concurrent use; every state mutation runs to completion under one
// lock, and durable calls are made with the lock released.
type Engine struct {
	changeEmitter
	dir             Directory
	dial            ChannelDialer
	logger          *slog.Logger
	announceTimeout time.Duration

	mu         sync.Mutex
	identity   Identity
	session    uint64
	channel    Channel
	unsubs     []func()
	friends    []Friend
	requests   []FriendRequest
	active     Identity
	selection  uint64
	transcript transcript
}

// NewEngine creates an engine. dial may be nil, in which case the engine
// works from durable state only and sends fail with
// ErrTransportUnavailable.
func NewEngine(dir Directory, dial ChannelDialer, opts *EngineOptions) *Engine {
	e := &Engine{
		changeEmitter: changeEmitter{listeners: make(map[string][]ChangeHandler)},
		dir:           dir,
		dial:          dial,
		transcript:    newTranscript(),
	}
	if opts != nil {
		e.logger = opts.Logger
		e.announceTimeout = opts.AnnounceTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.announceTimeout == 0 {
		e.announceTimeout = 10 * time.Second
	}
	return e
}

// Identity returns the local identity, or "" when signed out.
func (e *Engine) Identity() Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Snapshot returns a deep copy of the current view.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Identity:   e.identity,
		Friends:    append([]Friend(nil), e.friends...),
		Requests:   append([]FriendRequest(nil), e.requests...),
		Transcript: e.transcript.snapshot(),
		Loading:    e.transcript.loading,

		TranscriptVersion: e.transcript.version,
	}
	if !e.active.IsZero() {
		f, ok := e.friendLocked(e.active)
		if !ok {
			f = Friend{Identity: e.active}
		}
		s.Active = &f
	}
	return s
}

// ── Session lifecycle ────────────────────────────────────

// SetSession switches the engine to id. A non-empty identity opens a
// channel for the session, announces presence and reconciles friends and
// requests. An empty identity tears the channel down and clears all state.
// Setting the current identity again is a no-op.
//
// A channel failure does not prevent the durable fetch; both errors are
// returned joined.
func (e *Engine) SetSession(ctx context.Context, id Identity) error {
	id = normalizeIdentity(id.String())

	e.mu.Lock()
	if id == e.identity {
		e.mu.Unlock()
		return nil
	}
	oldChannel, oldUnsubs := e.channel, e.unsubs
	e.session++
	session := e.session
	e.identity = id
	e.channel = nil
	e.unsubs = nil
	e.friends = nil
	e.requests = nil
	e.active = ""
	e.selection++
	e.transcript.clear()
	e.mu.Unlock()

	e.teardown(oldChannel, oldUnsubs)
	e.logger.Info("session changed", "identity", id)
	e.emit(ChangeSession, id)
	if id.IsZero() {
		return nil
	}

	var errs []error
	if err := e.connect(ctx, id, session); err != nil {
		if errors.Is(err, ErrSuperseded) {
			return err
		}
		e.logger.Warn("channel unavailable", "identity", id, "error", err)
		errs = append(errs, err)
	}
	if err := e.reconcile(ctx, id, session); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close signs the engine out, releasing the channel.
func (e *Engine) Close() error {
	return e.SetSession(context.Background(), "")
}

// Bind makes the engine follow p: every identity change drives
// SetSession. Failures are logged and emitted as ChangeSyncError. The
// returned function stops following p.
func (e *Engine) Bind(ctx context.Context, p IdentityProvider) (cancel func()) {
	apply := func(id Identity) {
		if err := e.SetSession(ctx, id); err != nil && !errors.Is(err, ErrSuperseded) {
			e.logger.Warn("session change failed", "identity", id, "error", err)
			e.emit(ChangeSyncError, err)
		}
	}
	cancel = p.Watch(apply)
	apply(p.CurrentIdentity())
	return cancel
}

func (e *Engine) connect(ctx context.Context, id Identity, session uint64) error {
	if e.dial == nil {
		return fmt.Errorf("%w: no channel dialer", ErrTransportUnavailable)
	}
	ch, err := e.dial(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		ch.Close()
		return ErrSuperseded
	}
	e.channel = ch
	e.unsubs = []func(){
		ch.Subscribe(EventUpdateOnlineStatus, func(ev Event) { e.onPresenceEvent(session, ev) }),
		ch.Subscribe(EventReceiveMessage, func(ev Event) { e.onMessageEvent(session, ev) }),
		ch.Subscribe(EventConnect, func(Event) { e.onReconnect(session) }),
	}
	e.mu.Unlock()

	return e.announce(ctx, session)
}

// announce publishes setOnline for the session's identity.
func (e *Engine) announce(ctx context.Context, session uint64) error {
	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return ErrSuperseded
	}
	ch, id := e.channel, e.identity
	e.mu.Unlock()

	ev, err := NewSetOnlineEvent(id)
	if err != nil {
		return err
	}
	if err := ch.Publish(ctx, ev); err != nil {
		return fmt.Errorf("c4chat: announce presence: %w", err)
	}
	return nil
}

func (e *Engine) onReconnect(session uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), e.announceTimeout)
	defer cancel()
	if err := e.announce(ctx, session); err != nil && !errors.Is(err, ErrSuperseded) {
		e.logger.Warn("presence re-announce failed", "error", err)
		e.emit(ChangeSyncError, err)
	}
}

func (e *Engine) teardown(ch Channel, unsubs []func()) {
	for _, unsub := range unsubs {
		unsub()
	}
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		e.logger.Debug("channel close", "error", err)
	}
}

// ── Friends & requests ───────────────────────────────────

// Reconcile re-fetches friends and pending requests and replaces each set
// that was fetched successfully. It is idempotent and safe to retry.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	id, session := e.identity, e.session
	e.mu.Unlock()
	if id.IsZero() {
		return ErrNoSession
	}
	return e.reconcile(ctx, id, session)
}

func (e *Engine) reconcile(ctx context.Context, id Identity, session uint64) error {
	friends, friendsErr := e.dir.Friends(ctx, id)
	requests, requestsErr := e.dir.FriendRequests(ctx, id)

	var changes []change
	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return ErrSuperseded
	}
	if friendsErr == nil {
		e.friends = uniqueFriends(friends)
		changes = append(changes, change{ChangeFriends, append([]Friend(nil), e.friends...)})
	}
	if requestsErr == nil {
		e.requests = uniqueRequests(requests)
		changes = append(changes, change{ChangeRequests, append([]FriendRequest(nil), e.requests...)})
	}
	e.mu.Unlock()

	e.emitAll(changes)
	if err := errors.Join(friendsErr, requestsErr); err != nil {
		e.logger.Warn("reconcile failed", "identity", id, "error", err)
		return err
	}
	e.logger.Debug("reconciled", "identity", id, "friends", len(friends), "requests", len(requests))
	return nil
}

// RequestFriend asks target to become a friend. Nothing changes locally:
// the request only surfaces in the receiver's fetch. On success
// ChangeFriendRequestSent is emitted as the acknowledgment.
func (e *Engine) RequestFriend(ctx context.Context, target Identity) error {
	target = normalizeIdentity(target.String())
	id := e.Identity()
	switch {
	case id.IsZero():
		return ErrNoSession
	case target.IsZero():
		return invalidIntent("friend identity is empty")
	case target == id:
		return invalidIntent("cannot send a friend request to yourself")
	}

	if err := e.dir.SendFriendRequest(ctx, id, target); err != nil {
		return err
	}
	e.logger.Info("friend request sent", "from", id, "to", target)
	e.emit(ChangeFriendRequestSent, target)
	return nil
}

// AcceptFriendRequest accepts the pending request from requester, removes
// it locally and reconciles the friend set from durable state. If the
// accept succeeds but the reconcile fails, the reconcile error is returned
// and Reconcile may be retried.
func (e *Engine) AcceptFriendRequest(ctx context.Context, requester Identity) error {
	requester = normalizeIdentity(requester.String())

	e.mu.Lock()
	id, session := e.identity, e.session
	pending := e.requestIndexLocked(requester) >= 0
	e.mu.Unlock()
	if id.IsZero() {
		return ErrNoSession
	}
	if !pending {
		return invalidIntent("no pending friend request from %q", requester)
	}

	if err := e.dir.AcceptFriendRequest(ctx, id, requester); err != nil {
		return err
	}

	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return ErrSuperseded
	}
	if i := e.requestIndexLocked(requester); i >= 0 {
		e.requests = append(e.requests[:i:i], e.requests[i+1:]...)
	}
	requests := append([]FriendRequest(nil), e.requests...)
	e.mu.Unlock()

	e.logger.Info("friend request accepted", "user", id, "friend", requester)
	e.emit(ChangeRequests, requests)

	if err := e.reconcile(ctx, id, session); err != nil {
		return fmt.Errorf("c4chat: reconcile after accept: %w", err)
	}
	return nil
}

// ── Presence ─────────────────────────────────────────────

// ApplyPresence records p for a known friend. Unknown identities are
// ignored. It reports whether the friend's online flag changed.
//
// Like ApplyMessage, it is for callers that feed events directly and
// applies to whichever session is current. With no session there are no
// friends, so nothing changes.
func (e *Engine) ApplyPresence(p PresenceEvent) bool {
	e.mu.Lock()
	f, changed := e.applyPresenceLocked(p)
	e.mu.Unlock()
	if changed {
		e.emit(ChangePresence, f)
	}
	return changed
}

func (e *Engine) onPresenceEvent(session uint64, ev Event) {
	var p PresenceEvent
	if err := ev.Decode(&p); err != nil {
		e.logger.Debug("dropping malformed presence event", "error", err)
		return
	}

	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return
	}
	f, changed := e.applyPresenceLocked(p)
	e.mu.Unlock()
	if changed {
		e.emit(ChangePresence, f)
	}
}

func (e *Engine) applyPresenceLocked(p PresenceEvent) (Friend, bool) {
	i := e.friendIndexLocked(p.Identity)
	if i < 0 {
		return Friend{}, false
	}
	online := p.Online()
	if e.friends[i].Online == online {
		return e.friends[i], false
	}
	e.friends[i].Online = online
	return e.friends[i], true
}

// ── Conversation & transcript ────────────────────────────

// SelectConversation makes friend the active conversation, clears the
// transcript and fetches its history. Messages delivered live while the
// fetch is in flight are kept and merged after it. If another selection or
// session replaces this one before the fetch resolves, its result is
// discarded and ErrSuperseded is returned. A failed fetch leaves the
// transcript with the live messages only.
func (e *Engine) SelectConversation(ctx context.Context, friend Identity) error {
	friend = normalizeIdentity(friend.String())

	e.mu.Lock()
	id, session := e.identity, e.session
	if id.IsZero() {
		e.mu.Unlock()
		return ErrNoSession
	}
	f, ok := e.friendLocked(friend)
	if !ok {
		e.mu.Unlock()
		return invalidIntent("%q is not a friend", friend)
	}
	e.active = friend
	e.selection++
	token := e.selection
	e.transcript.reset()
	loading := e.transcriptUpdateLocked()
	e.mu.Unlock()

	e.emit(ChangeConversation, f)
	e.emit(ChangeTranscript, loading)

	history, err := e.dir.Messages(ctx, id, friend)

	e.mu.Lock()
	if e.session != session || e.selection != token {
		e.mu.Unlock()
		e.logger.Debug("discarding stale history", "friend", friend)
		return ErrSuperseded
	}
	if err != nil {
		e.transcript.abandon()
		update := e.transcriptUpdateLocked()
		e.mu.Unlock()
		e.logger.Warn("history fetch failed", "friend", friend, "error", err)
		e.emit(ChangeTranscript, update)
		return err
	}
	e.transcript.settle(between(history, id, friend))
	update := e.transcriptUpdateLocked()
	e.mu.Unlock()

	e.emit(ChangeTranscript, update)
	return nil
}

// SendMessage publishes body to the active conversation and appends it to
// the transcript without waiting for any acknowledgment. The body must not
// be blank. If the channel is down, ErrTransportUnavailable is returned and
// nothing is appended.
func (e *Engine) SendMessage(ctx context.Context, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, invalidIntent("message body is empty")
	}

	e.mu.Lock()
	id, active, ch := e.identity, e.active, e.channel
	e.mu.Unlock()
	switch {
	case id.IsZero():
		return Message{}, ErrNoSession
	case active.IsZero():
		return Message{}, invalidIntent("no active conversation")
	case ch == nil:
		return Message{}, ErrTransportUnavailable
	}

	msg := Message{
		ID:       uuid.NewString(),
		Sender:   id,
		Receiver: active,
		Body:     body,
	}
	ev, err := NewSendMessageEvent(msg)
	if err != nil {
		return Message{}, err
	}
	if err := ch.Publish(ctx, ev); err != nil {
		return Message{}, err
	}

	e.mu.Lock()
	var update TranscriptUpdate
	appended := false
	// The conversation may have switched while publishing.
	if e.identity == id && e.active == active {
		appended = e.transcript.append(msg)
		update = e.transcriptUpdateLocked()
	}
	e.mu.Unlock()

	if appended {
		e.emit(ChangeTranscript, update)
	}
	return msg, nil
}

// ApplyMessage appends m to the transcript if it belongs to the active
// conversation and is not already present. It reports whether m was
// appended.
//
// ApplyMessage is for callers that feed deliveries from their own
// transport. It applies to whichever session is current; deliveries from
// the engine's own channel are additionally bound to the session that
// opened it.
func (e *Engine) ApplyMessage(m Message) bool {
	e.mu.Lock()
	appended := e.applyMessageLocked(m)
	var update TranscriptUpdate
	if appended {
		update = e.transcriptUpdateLocked()
	}
	e.mu.Unlock()
	if appended {
		e.emit(ChangeTranscript, update)
	}
	return appended
}

func (e *Engine) onMessageEvent(session uint64, ev Event) {
	var m Message
	if err := ev.Decode(&m); err != nil {
		e.logger.Debug("dropping malformed message event", "error", err)
		return
	}

	e.mu.Lock()
	if e.session != session {
		e.mu.Unlock()
		return
	}
	appended := e.applyMessageLocked(m)
	var update TranscriptUpdate
	if appended {
		update = e.transcriptUpdateLocked()
	}
	e.mu.Unlock()
	if appended {
		e.emit(ChangeTranscript, update)
	}
}

func (e *Engine) applyMessageLocked(m Message) bool {
	if e.identity.IsZero() || e.active.IsZero() {
		return false
	}
	if !m.Between(e.identity, e.active) {
		return false
	}
	return e.transcript.append(m)
}

// ── Helpers ──────────────────────────────────────────────

func (e *Engine) transcriptUpdateLocked() TranscriptUpdate {
	return TranscriptUpdate{
		Version:  e.transcript.version,
		Loading:  e.transcript.loading,
		Messages: e.transcript.snapshot(),
	}
}

func (e *Engine) friendIndexLocked(id Identity) int {
	for i, f := range e.friends {
		if f.Identity == id {
			return i
		}
	}
	return -1
}

func (e *Engine) friendLocked(id Identity) (Friend, bool) {
	if i := e.friendIndexLocked(id); i >= 0 {
		return e.friends[i], true
	}
	return Friend{}, false
}

func (e *Engine) requestIndexLocked(id Identity) int {
	for i, r := range e.requests {
		if r.Requester == id {
			return i
		}
	}
	return -1
}

// uniqueFriends keeps the first entry per identity, in fetch order.
func uniqueFriends(in []Friend) []Friend {
	seen := make(map[Identity]struct{}, len(in))
	out := make([]Friend, 0, len(in))
	for _, f := range in {
		if f.Identity.IsZero() {
			continue
		}
		if _, dup := seen[f.Identity]; dup {
			continue
		}
		seen[f.Identity] = struct{}{}
		out = append(out, f)
	}
	return out
}

func uniqueRequests(in []FriendRequest) []FriendRequest {
	seen := make(map[Identity]struct{}, len(in))
	out := make([]FriendRequest, 0, len(in))
	for _, r := range in {
		if r.Requester.IsZero() {
			continue
		}
		if _, dup := seen[r.Requester]; dup {
			continue
		}
		seen[r.Requester] = struct{}{}
		out = append(out, r)
	}
	return out
}

// between filters history down to the conversation of a and b.
func between(history []Message, a, b Identity) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Between(a, b) {
			out = append(out, m)
		}
	}
	return out
}
