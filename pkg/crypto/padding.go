package crypto

import (
	"crypto/rand"
	"errors"
)

var ErrInvalidMessagePadding = errors.New("crypto: invalid message padding")

// PadMessage appends 1..16 bytes, each holding the pad length, before a
// plaintext is encrypted for a device.
func PadMessage(plaintext []byte) ([]byte, error) {
	var pad [1]byte
	if _, err := rand.Read(pad[:]); err != nil {
		return nil, err
	}
	n := int(pad[0]&0x0F) + 1
	out := make([]byte, len(plaintext), len(plaintext)+n)
	copy(out, plaintext)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out, nil
}

// UnpadMessage strips padding added by PadMessage.
func UnpadMessage(padded []byte) ([]byte, error) {
	if len(padded) == 0 {
		return nil, ErrInvalidMessagePadding
	}
	n := int(padded[len(padded)-1])
	if n == 0 || n > len(padded) {
		return nil, ErrInvalidMessagePadding
	}
	return padded[:len(padded)-n], nil
}
