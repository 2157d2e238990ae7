// Package signal implements the Signal session layer used for end-to-end
// payloads: X3DH session setup, the double ratchet and group sender keys.
package signal

import (
	"errors"
	"fmt"

	"github.com/technocode/Cobalt/pkg/crypto"
)

// ===== KEY DERIVATION =====

const (
	// MaxSkip bounds how far ahead of a chain a message counter may be.
	MaxSkip = 2000
	// maxReceiverChains bounds the receiver chains kept per session.
	maxReceiverChains = 5
	// maxMessageKeys bounds the stored out-of-order keys per chain.
	maxMessageKeys = 2000

	infoText        = "WhisperText"
	infoRatchet     = "WhisperRatchet"
	infoMessageKeys = "WhisperMessageKeys"
)

var (
	ErrNoSession         = errors.New("signal: no session")
	ErrUntrustedIdentity = errors.New("signal: untrusted identity")
	ErrDuplicateMessage  = errors.New("signal: duplicate message")
	ErrTooFarInFuture    = errors.New("signal: message counter too far in the future")
	ErrInvalidMessage    = errors.New("signal: invalid message")
	ErrInvalidMAC        = errors.New("signal: message MAC mismatch")
	ErrMissingPreKey     = errors.New("signal: missing prekey")
	ErrNoSenderKey       = errors.New("signal: no sender key state")
)

var discontinuity = func() []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = 0xFF
	}
	return out
}()

// ChainKey is one step of a symmetric ratchet chain.
type ChainKey struct {
	Key   []byte `json:"key"`
	Index uint32 `json:"index"`
}

// MessageKeys encrypt and authenticate a single message.
type MessageKeys struct {
	CipherKey []byte `json:"cipher_key"`
	MacKey    []byte `json:"mac_key"`
	IV        []byte `json:"iv"`
	Index     uint32 `json:"index"`
}

// Next advances the chain: HMAC(key, 0x02).
func (c ChainKey) Next() ChainKey {
	return ChainKey{Key: crypto.HMACSHA256(c.Key, []byte{0x02}), Index: c.Index + 1}
}

// MessageKeys expands HMAC(key, 0x01) into cipher key, MAC key and IV.
func (c ChainKey) MessageKeys() (MessageKeys, error) {
	seed := crypto.HMACSHA256(c.Key, []byte{0x01})
	out, err := crypto.HKDF(seed, nil, []byte(infoMessageKeys), 80)
	if err != nil {
		return MessageKeys{}, err
	}
	return MessageKeys{
		CipherKey: out[:32],
		MacKey:    out[32:64],
		IV:        out[64:80],
		Index:     c.Index,
	}, nil
}

// deriveInitialKeys turns the X3DH master secret into a root key and chain.
func deriveInitialKeys(master []byte) ([]byte, ChainKey, error) {
	out, err := crypto.HKDF(master, make([]byte, 32), []byte(infoText), 64)
	if err != nil {
		return nil, ChainKey{}, err
	}
	return out[:32], ChainKey{Key: out[32:64]}, nil
}

// createChain performs a DH ratchet step from root with the given keys.
func createChain(root []byte, theirRatchet [32]byte, ours *crypto.KeyPair) ([]byte, ChainKey, error) {
	secret, err := ours.Agree(theirRatchet)
	if err != nil {
		return nil, ChainKey{}, err
	}
	out, err := crypto.HKDF(secret, root, []byte(infoRatchet), 64)
	if err != nil {
		return nil, ChainKey{}, err
	}
	return out[:32], ChainKey{Key: out[32:64]}, nil
}

// ===== SESSION STATE =====

// ReceiverChain is the receiving half of one remote ratchet key.
type ReceiverChain struct {
	RatchetKey  [32]byte      `json:"ratchet_key"`
	ChainKey    ChainKey      `json:"chain_key"`
	MessageKeys []MessageKeys `json:"message_keys,omitempty"`
}

// SenderChain is the local ratchet key and its chain.
type SenderChain struct {
	RatchetKey crypto.KeyPair `json:"ratchet_key"`
	ChainKey   ChainKey       `json:"chain_key"`
}

// PendingPreKey is kept by the initiator until the responder answers, so
// every outgoing message carries the prekey envelope.
type PendingPreKey struct {
	PreKeyID       uint32   `json:"pre_key_id"`
	HasPreKeyID    bool     `json:"has_pre_key_id"`
	SignedPreKeyID uint32   `json:"signed_pre_key_id"`
	BaseKey        [32]byte `json:"base_key"`
}

// SessionState is one double ratchet session with a remote device.
type SessionState struct {
	LocalIdentity        [32]byte        `json:"local_identity"`
	RemoteIdentity       [32]byte        `json:"remote_identity"`
	LocalRegistrationID  uint32          `json:"local_registration_id"`
	RemoteRegistrationID uint32          `json:"remote_registration_id"`
	RootKey              []byte          `json:"root_key"`
	PreviousCounter      uint32          `json:"previous_counter"`
	SenderChain          SenderChain     `json:"sender_chain"`
	ReceiverChains       []ReceiverChain `json:"receiver_chains,omitempty"`
	PendingPreKey        *PendingPreKey  `json:"pending_pre_key,omitempty"`
	BaseKey              [32]byte        `json:"base_key"`
}

func (s *SessionState) clone() *SessionState {
	out := *s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SenderChain.ChainKey.Key = append([]byte(nil), s.SenderChain.ChainKey.Key...)
	out.ReceiverChains = make([]ReceiverChain, len(s.ReceiverChains))
	for i, chain := range s.ReceiverChains {
		chain.ChainKey.Key = append([]byte(nil), chain.ChainKey.Key...)
		chain.MessageKeys = append([]MessageKeys(nil), chain.MessageKeys...)
		out.ReceiverChains[i] = chain
	}
	if s.PendingPreKey != nil {
		pending := *s.PendingPreKey
		out.PendingPreKey = &pending
	}
	return &out
}

func (s *SessionState) receiverChain(ratchetKey [32]byte) *ReceiverChain {
	for i := range s.ReceiverChains {
		if s.ReceiverChains[i].RatchetKey == ratchetKey {
			return &s.ReceiverChains[i]
		}
	}
	return nil
}

func (s *SessionState) addReceiverChain(ratchetKey [32]byte, chainKey ChainKey) {
	s.ReceiverChains = append(s.ReceiverChains, ReceiverChain{RatchetKey: ratchetKey, ChainKey: chainKey})
	if len(s.ReceiverChains) > maxReceiverChains {
		s.ReceiverChains = s.ReceiverChains[len(s.ReceiverChains)-maxReceiverChains:]
	}
}

// receivingChainKey returns the chain for a remote ratchet key, running a DH
// ratchet step when the key is new.
func (s *SessionState) receivingChainKey(theirRatchet [32]byte) (*ReceiverChain, error) {
	if chain := s.receiverChain(theirRatchet); chain != nil {
		return chain, nil
	}
	root, receiving, err := createChain(s.RootKey, theirRatchet, &s.SenderChain.RatchetKey)
	if err != nil {
		return nil, err
	}
	ours, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	root, sending, err := createChain(root, theirRatchet, ours)
	if err != nil {
		return nil, err
	}
	s.RootKey = root
	s.addReceiverChain(theirRatchet, receiving)
	if s.SenderChain.ChainKey.Index > 0 {
		s.PreviousCounter = s.SenderChain.ChainKey.Index - 1
	} else {
		s.PreviousCounter = 0
	}
	s.SenderChain = SenderChain{RatchetKey: *ours, ChainKey: sending}
	return s.receiverChain(theirRatchet), nil
}

// messageKeys returns the keys for counter on chain, storing skipped keys
// for out-of-order delivery.
func (s *SessionState) messageKeys(chain *ReceiverChain, counter uint32) (MessageKeys, error) {
	if chain.ChainKey.Index > counter {
		for i, keys := range chain.MessageKeys {
			if keys.Index == counter {
				chain.MessageKeys = append(chain.MessageKeys[:i], chain.MessageKeys[i+1:]...)
				return keys, nil
			}
		}
		return MessageKeys{}, fmt.Errorf("%w: counter %d, chain at %d", ErrDuplicateMessage, counter, chain.ChainKey.Index)
	}
	if counter-chain.ChainKey.Index > MaxSkip {
		return MessageKeys{}, fmt.Errorf("%w: %d ahead", ErrTooFarInFuture, counter-chain.ChainKey.Index)
	}
	key := chain.ChainKey
	for key.Index < counter {
		skipped, err := key.MessageKeys()
		if err != nil {
			return MessageKeys{}, err
		}
		chain.MessageKeys = append(chain.MessageKeys, skipped)
		key = key.Next()
	}
	if len(chain.MessageKeys) > maxMessageKeys {
		chain.MessageKeys = chain.MessageKeys[len(chain.MessageKeys)-maxMessageKeys:]
	}
	keys, err := key.MessageKeys()
	if err != nil {
		return MessageKeys{}, err
	}
	chain.ChainKey = key.Next()
	return keys, nil
}

// ===== SESSION RECORD =====

const maxArchivedStates = 40

// SessionRecord holds the current session with a device plus archived ones
// that may still decrypt in-flight messages.
type SessionRecord struct {
	Current  *SessionState   `json:"current,omitempty"`
	Previous []*SessionState `json:"previous,omitempty"`
}

// IsEmpty reports whether the record holds no usable session.
func (r *SessionRecord) IsEmpty() bool {
	return r == nil || r.Current == nil
}

// promote archives the current state and installs state as current.
func (r *SessionRecord) promote(state *SessionState) {
	if r.Current != nil {
		r.Previous = append([]*SessionState{r.Current}, r.Previous...)
		if len(r.Previous) > maxArchivedStates {
			r.Previous = r.Previous[:maxArchivedStates]
		}
	}
	r.Current = state
}

func (r *SessionRecord) hasBaseKey(baseKey [32]byte) bool {
	if r.Current != nil && r.Current.BaseKey == baseKey {
		return true
	}
	for _, state := range r.Previous {
		if state.BaseKey == baseKey {
			return true
		}
	}
	return false
}
