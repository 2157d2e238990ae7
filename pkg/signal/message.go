package signal

import (
	"fmt"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

const (
	// CurrentVersion is the message format version (3) in both nibbles.
	CurrentVersion = 3
	versionByte    = CurrentVersion<<4 | CurrentVersion
	macLength      = 8
)

// MessageType names an encrypted payload the way the enc node's type
// attribute does.
type MessageType string

const (
	TypeWhisper   MessageType = "msg"
	TypePreKey    MessageType = "pkmsg"
	TypeSenderKey MessageType = "skmsg"
)

// CiphertextMessage is a serialized, encrypted payload and its type.
type CiphertextMessage struct {
	Type       MessageType
	Serialized []byte
}

func checkVersion(serialized []byte) error {
	if len(serialized) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if version := serialized[0] >> 4; version != CurrentVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidMessage, version)
	}
	return nil
}

func messageMAC(macKey []byte, sender, receiver [32]byte, serialized []byte) []byte {
	return crypto.HMACSHA256(macKey,
		crypto.SignalPublic(sender),
		crypto.SignalPublic(receiver),
		serialized,
	)[:macLength]
}

// sealWhisper serializes a SignalMessage: version, body, truncated MAC.
func sealWhisper(msg *waproto.SignalMessage, macKey []byte, sender, receiver [32]byte) []byte {
	serialized := append([]byte{versionByte}, msg.Marshal()...)
	return append(serialized, messageMAC(macKey, sender, receiver, serialized)...)
}

// whisperMessage is a parsed SignalMessage that still needs its MAC checked.
type whisperMessage struct {
	body       waproto.SignalMessage
	ratchetKey [32]byte
	serialized []byte
	mac        []byte
}

func parseWhisper(serialized []byte) (*whisperMessage, error) {
	if err := checkVersion(serialized); err != nil {
		return nil, err
	}
	if len(serialized) < 1+macLength {
		return nil, fmt.Errorf("%w: too short", ErrInvalidMessage)
	}
	split := len(serialized) - macLength
	msg := &whisperMessage{
		serialized: serialized[:split],
		mac:        serialized[split:],
	}
	if err := msg.body.Unmarshal(serialized[1:split]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	key, err := crypto.ParsePublic(msg.body.RatchetKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ratchet key: %w", ErrInvalidMessage, err)
	}
	msg.ratchetKey = key
	return msg, nil
}

func (m *whisperMessage) verifyMAC(macKey []byte, sender, receiver [32]byte) error {
	if !crypto.Equal(m.mac, messageMAC(macKey, sender, receiver, m.serialized)) {
		return ErrInvalidMAC
	}
	return nil
}

func sealPreKey(msg *waproto.PreKeySignalMessage) []byte {
	return append([]byte{versionByte}, msg.Marshal()...)
}

func parsePreKey(serialized []byte) (*waproto.PreKeySignalMessage, error) {
	if err := checkVersion(serialized); err != nil {
		return nil, err
	}
	msg := &waproto.PreKeySignalMessage{}
	if err := msg.Unmarshal(serialized[1:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return msg, nil
}
