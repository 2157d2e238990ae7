package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrDecrypt          = errors.New("crypto: message authentication failed")
	ErrCounterExhausted = errors.New("crypto: nonce counter exhausted")
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")
)

// GCMNonce builds the 12-byte nonce: four zero bytes then the counter as a
// big-endian uint64.
func GCMNonce(counter uint64) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptGCM seals plaintext with AES-256-GCM under the counter nonce.
func EncryptGCM(key []byte, counter uint64, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, GCMNonce(counter), plaintext, aad), nil
}

// DecryptGCM opens ciphertext sealed by EncryptGCM.
func DecryptGCM(key []byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, GCMNonce(counter), ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// CounterCipher is one direction of an AES-GCM channel. Every call consumes
// the next counter value, so a nonce is never reused under the same key.
// It is not safe for concurrent use; callers serialize each direction.
type CounterCipher struct {
	aead      cipher.AEAD
	counter   uint64
	exhausted bool
}

// NewCounterCipher creates a cipher starting at counter 0.
func NewCounterCipher(key []byte) (*CounterCipher, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &CounterCipher{aead: gcm}, nil
}

// Counter returns the counter the next call will use.
func (c *CounterCipher) Counter() uint64 {
	return c.counter
}

func (c *CounterCipher) next() (uint64, error) {
	if c.exhausted {
		return 0, ErrCounterExhausted
	}
	current := c.counter
	if current == math.MaxUint64 {
		c.exhausted = true
	} else {
		c.counter++
	}
	return current, nil
}

// Encrypt seals plaintext and advances the counter.
func (c *CounterCipher) Encrypt(plaintext, aad []byte) ([]byte, error) {
	counter, err := c.next()
	if err != nil {
		return nil, err
	}
	return c.aead.Seal(nil, GCMNonce(counter), plaintext, aad), nil
}

// Decrypt opens ciphertext and advances the counter, even on failure.
func (c *CounterCipher) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	counter, err := c.next()
	if err != nil {
		return nil, err
	}
	plaintext, err := c.aead.Open(nil, GCMNonce(counter), ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
