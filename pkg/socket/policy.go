package socket

import (
	"errors"
	"fmt"
)

// Location names the part of the socket an error came from.
type Location int

const (
	LocationSocket Location = iota
	LocationHandshake
	LocationCrypto
	LocationDecode
	LocationStream
	LocationLogin
	LocationMessage
	LocationAppState
	LocationListener
	LocationKeepalive
	LocationPairing
)

var locationNames = [...]string{
	LocationSocket:    "socket",
	LocationHandshake: "handshake",
	LocationCrypto:    "crypto",
	LocationDecode:    "decode",
	LocationStream:    "stream",
	LocationLogin:     "login",
	LocationMessage:   "message",
	LocationAppState:  "app_state",
	LocationListener:  "listener",
	LocationKeepalive: "keepalive",
	LocationPairing:   "pairing",
}

func (l Location) String() string {
	if int(l) < len(locationNames) {
		return locationNames[l]
	}
	return fmt.Sprintf("location(%d)", int(l))
}

// Action is what the handler does about an error.
type Action int

const (
	ActionDiscard Action = iota
	ActionReconnect
	ActionRestore
	ActionLogOut
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionDiscard:
		return "discard"
	case ActionReconnect:
		return "reconnect"
	case ActionRestore:
		return "restore"
	case ActionLogOut:
		return "log_out"
	case ActionDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

var (
	ErrLoggedOut          = errors.New("socket: logged out")
	ErrReconnectExhausted = errors.New("socket: reconnect attempts exhausted")
	ErrKeepaliveTimeout   = errors.New("socket: keepalive timed out")
	ErrNotConnected       = errors.New("socket: not connected")
)

// LoginFailure is a <failure> answer to the login payload.
type LoginFailure struct {
	Reason  int
	Message string
}

func (e *LoginFailure) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("login failed with reason %d: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("login failed with reason %d", e.Reason)
}

// StreamFailure is a <stream:error> the handler could not act on itself.
type StreamFailure struct {
	Code string
}

func (e *StreamFailure) Error() string {
	return "stream error " + e.Code
}

// ErrorPolicy decides how the handler reacts to an error.
type ErrorPolicy func(Location, error) Action

// DefaultPolicy logs out on 401s, disconnects when reconnecting gave up,
// reconnects on transport and login trouble and drops the rest.
func DefaultPolicy(loc Location, err error) Action {
	if isUnauthorized(err) {
		return ActionLogOut
	}
	if errors.Is(err, ErrReconnectExhausted) {
		return ActionDisconnect
	}
	switch loc {
	case LocationSocket, LocationHandshake, LocationCrypto, LocationDecode,
		LocationStream, LocationKeepalive, LocationLogin:
		return ActionReconnect
	default:
		return ActionDiscard
	}
}

func isUnauthorized(err error) bool {
	if errors.Is(err, ErrLoggedOut) {
		return true
	}
	var login *LoginFailure
	if errors.As(err, &login) && login.Reason == 401 {
		return true
	}
	var stream *StreamFailure
	return errors.As(err, &stream) && stream.Code == "401"
}
