package binary

import (
	"fmt"
	"strconv"
	"strings"
)

// Known JID servers.
const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	LegacyUserServer  = "c.us"
	BroadcastServer   = "broadcast"
	HiddenUserServer  = "lid"
	NewsletterServer  = "newsletter"
	CallServer        = "call"
)

var (
	ServerJID       = JID{Server: DefaultUserServer}
	GroupServerJID  = JID{Server: GroupServer}
	StatusBroadcast = JID{User: "status", Server: BroadcastServer}
	EmptyJID        = JID{}
)

// JID is a WhatsApp address. Device and agent are only set for companion
// (multi-device) addresses.
type JID struct {
	User     string
	RawAgent uint8
	Device   uint8
	Server   string
}

// NewJID returns a plain user@server address.
func NewJID(user, server string) JID {
	return JID{User: user, Server: server}
}

// NewADJID returns a companion address on the default user server.
func NewADJID(user string, agent, device uint8) JID {
	var server string
	switch agent {
	case 0:
		server = DefaultUserServer
	case 1:
		server = HiddenUserServer
		agent = 0
	default:
		server = DefaultUserServer
	}
	return JID{User: user, RawAgent: agent, Device: device, Server: server}
}

// ParseJID parses "user.agent:device@server", "user@server" or "server".
func ParseJID(s string) (JID, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) == 1 {
		return JID{Server: parts[0]}, nil
	}
	jid := JID{User: parts[0], Server: parts[1]}
	if strings.ContainsRune(jid.User, '.') {
		userAgent := strings.SplitN(jid.User, ".", 2)
		agentPart := userAgent[1]
		if idx := strings.IndexByte(agentPart, ':'); idx >= 0 {
			agentPart = agentPart[:idx]
		}
		agent, err := strconv.ParseUint(agentPart, 10, 8)
		if err != nil {
			return jid, fmt.Errorf("failed to parse agent from JID %q: %w", s, err)
		}
		jid.RawAgent = uint8(agent)
		jid.User = userAgent[0] + strings.TrimPrefix(userAgent[1], agentPart)
	}
	if strings.ContainsRune(jid.User, ':') {
		userDevice := strings.SplitN(jid.User, ":", 2)
		device, err := strconv.ParseUint(userDevice[1], 10, 8)
		if err != nil {
			return jid, fmt.Errorf("failed to parse device from JID %q: %w", s, err)
		}
		jid.User = userDevice[0]
		jid.Device = uint8(device)
	}
	return jid, nil
}

// IsAD reports whether the JID carries agent or device information.
func (jid JID) IsAD() bool {
	return jid.RawAgent > 0 || jid.Device > 0
}

// IsEmpty reports whether the JID has no server.
func (jid JID) IsEmpty() bool {
	return jid.Server == ""
}

// ToNonAD strips the agent and device parts.
func (jid JID) ToNonAD() JID {
	return JID{User: jid.User, Server: jid.Server}
}

// SignalAddress returns the "user:device" name used to key signal sessions.
func (jid JID) SignalAddress() string {
	user := jid.User
	if jid.RawAgent > 0 {
		user = fmt.Sprintf("%s_%d", jid.User, jid.RawAgent)
	}
	return fmt.Sprintf("%s:%d", user, jid.Device)
}

// UserInt parses the user part as a phone number.
func (jid JID) UserInt() uint64 {
	number, _ := strconv.ParseUint(jid.User, 10, 64)
	return number
}

func (jid JID) String() string {
	if jid.RawAgent > 0 {
		return fmt.Sprintf("%s.%d:%d@%s", jid.User, jid.RawAgent, jid.Device, jid.Server)
	} else if jid.Device > 0 {
		return fmt.Sprintf("%s:%d@%s", jid.User, jid.Device, jid.Server)
	} else if len(jid.User) > 0 {
		return fmt.Sprintf("%s@%s", jid.User, jid.Server)
	}
	return jid.Server
}

// MarshalText implements encoding.TextMarshaler so JIDs serialize as strings.
func (jid JID) MarshalText() ([]byte, error) {
	return []byte(jid.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (jid *JID) UnmarshalText(text []byte) error {
	parsed, err := ParseJID(string(text))
	if err != nil {
		return err
	}
	*jid = parsed
	return nil
}
