package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DjbType prefixes serialized Curve25519 public keys in Signal messages.
const DjbType = 0x05

var (
	ErrInvalidKey       = errors.New("crypto: invalid key")
	ErrInvalidSignature = errors.New("crypto: invalid signature")
)

// KeyPair is a Curve25519 key pair. The private key is stored clamped.
type KeyPair struct {
	Public  [32]byte `json:"public"`
	Private [32]byte `json:"private"`
}

// SignedKeyPair is a key pair whose public key is signed by an identity key.
type SignedKeyPair struct {
	KeyPair
	KeyID     uint32   `json:"key_id"`
	Signature [64]byte `json:"signature"`
}

// GenerateKeyPair creates a fresh Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, err
	}
	return NewKeyPairFromPrivate(private)
}

// NewKeyPairFromPrivate derives the public key for a private key.
func NewKeyPairFromPrivate(private [32]byte) (*KeyPair, error) {
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	kp := &KeyPair{Private: private}
	copy(kp.Public[:], public)
	return kp, nil
}

// Agree computes the X25519 shared secret with a peer public key.
func (kp *KeyPair) Agree(peer [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return secret, nil
}

// Sign produces an XEdDSA signature with this key pair.
func (kp *KeyPair) Sign(message []byte) ([64]byte, error) {
	return Sign(kp.Private, message)
}

// SignalPublic returns the public key with the 0x05 type prefix.
func (kp *KeyPair) SignalPublic() []byte {
	return SignalPublic(kp.Public)
}

// CreateSignedPreKey generates a new key pair signed by kp.
func (kp *KeyPair) CreateSignedPreKey(keyID uint32) (*SignedKeyPair, error) {
	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signature, err := kp.Sign(pair.SignalPublic())
	if err != nil {
		return nil, err
	}
	return &SignedKeyPair{KeyPair: *pair, KeyID: keyID, Signature: signature}, nil
}

// SignalPublic serializes a public key with the 0x05 type prefix.
func SignalPublic(public [32]byte) []byte {
	out := make([]byte, 33)
	out[0] = DjbType
	copy(out[1:], public[:])
	return out
}

// ParsePublic accepts a raw 32-byte key or a 33-byte prefixed key.
func ParsePublic(data []byte) ([32]byte, error) {
	var key [32]byte
	switch {
	case len(data) == 32:
		copy(key[:], data)
	case len(data) == 33 && data[0] == DjbType:
		copy(key[:], data[1:])
	default:
		return key, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(data))
	}
	return key, nil
}
