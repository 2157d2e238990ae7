// Package handshake implements the Noise_XX_25519_AESGCM_SHA256 exchange that
// opens every WhatsApp socket.
package handshake

import (
	"errors"
	"fmt"

	"github.com/technocode/Cobalt/pkg/crypto"
)

const (
	// NoiseProtocol seeds the transcript; it is exactly 32 bytes so it is used
	// as the initial hash without hashing.
	NoiseProtocol = "Noise_XX_25519_AESGCM_SHA256\x00\x00\x00\x00"
	// Prologue is mixed into the transcript and sent before the first frame.
	Prologue = "WA\x06\x03"
)

var (
	ErrHandshake = errors.New("handshake: failed")
	ErrConsumed  = errors.New("handshake: state already consumed")
)

// CipherPair is the result of a finished handshake.
type CipherPair struct {
	Write *crypto.CounterCipher
	Read  *crypto.CounterCipher
}

// State is the symmetric state of an in-progress handshake. It is used by one
// goroutine and becomes unusable after Finish.
type State struct {
	hash     []byte
	salt     []byte
	cipher   *crypto.CounterCipher
	consumed bool
}

// NewState seeds a state with the protocol name and mixes in the prologue.
func NewState(protocol string, prologue []byte) (*State, error) {
	seed := []byte(protocol)
	if len(seed) != 32 {
		seed = crypto.SHA256(seed)
	}
	cipher, err := crypto.NewCounterCipher(seed)
	if err != nil {
		return nil, err
	}
	s := &State{
		hash:   append([]byte(nil), seed...),
		salt:   append([]byte(nil), seed...),
		cipher: cipher,
	}
	s.Authenticate(prologue)
	return s, nil
}

// Hash returns a copy of the transcript hash.
func (s *State) Hash() []byte {
	return append([]byte(nil), s.hash...)
}

// Authenticate mixes data into the transcript hash.
func (s *State) Authenticate(data []byte) {
	if s.consumed {
		return
	}
	s.hash = crypto.SHA256(s.hash, data)
}

// MixIntoKey derives a new salt and key from a DH secret and resets the
// counter.
func (s *State) MixIntoKey(secret []byte) error {
	if s.consumed {
		return ErrConsumed
	}
	salt, key, err := s.extract(secret)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCounterCipher(key)
	if err != nil {
		return err
	}
	s.salt = salt
	s.cipher = cipher
	return nil
}

// MixSharedSecret agrees on a DH secret and mixes it into the key.
func (s *State) MixSharedSecret(private *crypto.KeyPair, public [32]byte) error {
	secret, err := private.Agree(public)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return s.MixIntoKey(secret)
}

// Encrypt seals plaintext with the transcript hash as associated data and
// authenticates the ciphertext.
func (s *State) Encrypt(plaintext []byte) ([]byte, error) {
	if s.consumed {
		return nil, ErrConsumed
	}
	ciphertext, err := s.cipher.Encrypt(plaintext, s.hash)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt: %w", ErrHandshake, err)
	}
	s.Authenticate(ciphertext)
	return ciphertext, nil
}

// Decrypt opens ciphertext with the transcript hash as associated data and
// authenticates the ciphertext.
func (s *State) Decrypt(ciphertext []byte) ([]byte, error) {
	if s.consumed {
		return nil, ErrConsumed
	}
	plaintext, err := s.cipher.Decrypt(ciphertext, s.hash)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %w", ErrHandshake, err)
	}
	s.Authenticate(ciphertext)
	return plaintext, nil
}

// Finish splits the final salt into the transport keys and consumes the state.
func (s *State) Finish() (*CipherPair, error) {
	if s.consumed {
		return nil, ErrConsumed
	}
	write, read, err := s.extract(nil)
	if err != nil {
		return nil, err
	}
	writeCipher, err := crypto.NewCounterCipher(write)
	if err != nil {
		return nil, err
	}
	readCipher, err := crypto.NewCounterCipher(read)
	if err != nil {
		return nil, err
	}
	s.consume()
	return &CipherPair{Write: writeCipher, Read: readCipher}, nil
}

func (s *State) extract(input []byte) ([]byte, []byte, error) {
	out, err := crypto.HKDF(input, s.salt, nil, 64)
	if err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

func (s *State) consume() {
	for i := range s.hash {
		s.hash[i] = 0
	}
	for i := range s.salt {
		s.salt[i] = 0
	}
	s.hash = nil
	s.salt = nil
	s.cipher = nil
	s.consumed = true
}
