// Package events contains the values handed to event handlers registered on
// a socket. Handlers receive them as any and switch on the concrete type.
package events

import (
	"time"

	"github.com/technocode/Cobalt/pkg/appstate"
	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/waproto"
)

// Handler receives every event of a socket.
type Handler func(evt any)

// DisconnectReason says why the socket stopped.
type DisconnectReason int

const (
	ReasonDisconnected DisconnectReason = iota
	ReasonReconnecting
	ReasonLoggedOut
	ReasonRestore
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonReconnecting:
		return "reconnecting"
	case ReasonLoggedOut:
		return "logged out"
	case ReasonRestore:
		return "restore"
	default:
		return "disconnected"
	}
}

// Connected fires once the server accepted the login.
type Connected struct{}

// Disconnected fires whenever the connection is torn down.
type Disconnected struct {
	Reason DisconnectReason
	Err    error
}

// LoggedOut fires when the session was invalidated. The persisted session
// has already been deleted.
type LoggedOut struct {
	OnConnect bool
	Reason    string
}

// StreamError is a <stream:error> the handler did not map to a transition.
type StreamError struct {
	Code string
	Raw  *binary.Node
}

// StreamReplaced means another client logged in with the same credentials.
type StreamReplaced struct{}

// QR carries the codes to show while pairing. Each is valid for a short
// time; the first one expires after about a minute and the rest after 20s.
type QR struct {
	Codes []string
}

// PairSuccess fires when a phone scanned the QR code.
type PairSuccess struct {
	ID           binary.JID
	BusinessName string
	Platform     string
}

// PairError fires when the pairing data from the phone failed verification.
type PairError struct {
	ID  binary.JID
	Err error
}

// MessageInfo is the envelope of a received message.
type MessageInfo struct {
	ID        string
	Chat      binary.JID
	Sender    binary.JID
	IsFromMe  bool
	IsGroup   bool
	PushName  string
	Timestamp time.Time
	Type      string
}

// Message is a decrypted incoming message.
type Message struct {
	Info    MessageInfo
	Message *waproto.Message
}

// UndecryptableMessage is a message that could not be decrypted. It has
// still been acknowledged to the server.
type UndecryptableMessage struct {
	Info MessageInfo
	Err  error
}

// Receipt reports delivery or read of sent messages.
type Receipt struct {
	Chat       binary.JID
	Sender     binary.JID
	MessageIDs []string
	Type       string
	Timestamp  time.Time
}

// Presence is an online/offline update of a contact.
type Presence struct {
	From        binary.JID
	Unavailable bool
	LastSeen    time.Time
}

// ChatPresence is a typing or recording indicator.
type ChatPresence struct {
	Chat   binary.JID
	Sender binary.JID
	State  string
	Media  string
}

// CallOffer is an incoming call. Calls are not answered.
type CallOffer struct {
	From   binary.JID
	CallID string
}

// AppStateMutation is one decoded and verified app-state change.
type AppStateMutation struct {
	appstate.Mutation
}

// AppStateSyncComplete fires after a collection reached the server version.
type AppStateSyncComplete struct {
	Name    appstate.Collection
	Version uint64
}

// AppStateResync fires when a collection is rebuilt from its snapshot after
// a hash mismatch.
type AppStateResync struct {
	Name    appstate.Collection
	Attempt int
	Err     error
}

// IdentityChange fires when a contact's identity key changed and the old
// session was dropped.
type IdentityChange struct {
	JID binary.JID
}

// KeepaliveTimeout fires when pings stopped getting answers.
type KeepaliveTimeout struct {
	ErrorCount  int
	LastSuccess time.Time
}

// KeepaliveRestored fires when pings work again after a timeout.
type KeepaliveRestored struct{}

// NodeSent and NodeReceived expose the raw traffic for debugging.
type NodeSent struct {
	Node *binary.Node
}

type NodeReceived struct {
	Node *binary.Node
}
