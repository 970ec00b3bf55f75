package c4chat

import (
	"encoding/json"
	"strings"
)

// ============================================================================
// Identity
// ============================================================================

// Identity is the stable, email-like identifier of a user. The zero value
// means "no session".
type Identity string

func (id Identity) String() string { return string(id) }

// IsZero reports whether id is empty.
func (id Identity) IsZero() bool { return id == "" }

// normalizeIdentity trims surrounding whitespace from user input.
func normalizeIdentity(s string) Identity {
	return Identity(strings.TrimSpace(s))
}

// ============================================================================
// Directory Types
// ============================================================================

// Friend is a confirmed contact together with its last known presence.
type Friend struct {
	Identity Identity `json:"email"`
	Online   bool     `json:"online"`
}

// FriendRequest is a pending request addressed to the local user.
type FriendRequest struct {
	Requester Identity `json:"email"`
}

// Message is a single chat message between two identities. ID is generated
// by the sending client; history served by older backends may omit it.
type Message struct {
	ID       string   `json:"id,omitempty"`
	Sender   Identity `json:"sender"`
	Receiver Identity `json:"receiver"`
	Body     string   `json:"message"`
}

// Between reports whether m belongs to the conversation of a and b,
// regardless of direction.
func (m Message) Between(a, b Identity) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// sameContent reports whether m and o carry the same endpoints and body.
func (m Message) sameContent(o Message) bool {
	return m.Sender == o.Sender && m.Receiver == o.Receiver && m.Body == o.Body
}

type sendFriendRequestBody struct {
	SenderEmail   Identity `json:"senderEmail"`
	ReceiverEmail Identity `json:"receiverEmail"`
}

type acceptFriendRequestBody struct {
	UserEmail   Identity `json:"userEmail"`
	FriendEmail Identity `json:"friendEmail"`
}

// ============================================================================
// Channel Event Types
// ============================================================================

// Event types carried by the presence and message channel.
const (
	EventSetOnline          = "setOnline"
	EventUpdateOnlineStatus = "updateOnlineStatus"
	EventSendMessage        = "sendMessage"
	EventReceiveMessage     = "receiveMessage"

	// EventConnect is dispatched locally each time the channel (re)connects.
	// It never travels on the wire.
	EventConnect = "connect"
)

// PresenceStatus is the status carried by an updateOnlineStatus event.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// PresenceEvent announces that a user went online or offline.
type PresenceEvent struct {
	Identity Identity       `json:"email"`
	Status   PresenceStatus `json:"status"`
}

// Online reports whether the event marks the user as online. Any status
// other than "online" counts as offline.
func (p PresenceEvent) Online() bool { return p.Status == StatusOnline }

// Event is the wire envelope for every channel event.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

func newEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Payload: data}, nil
}

// NewSetOnlineEvent builds the presence announcement for id.
func NewSetOnlineEvent(id Identity) (Event, error) {
	return newEvent(EventSetOnline, id)
}

// NewSendMessageEvent builds the outbound event for m.
func NewSendMessageEvent(m Message) (Event, error) {
	return newEvent(EventSendMessage, m)
}

// NewPresenceEvent builds an updateOnlineStatus event.
func NewPresenceEvent(id Identity, status PresenceStatus) (Event, error) {
	return newEvent(EventUpdateOnlineStatus, PresenceEvent{Identity: id, Status: status})
}

// NewReceiveMessageEvent builds the inbound delivery event for m.
func NewReceiveMessageEvent(m Message) (Event, error) {
	return newEvent(EventReceiveMessage, m)
}
