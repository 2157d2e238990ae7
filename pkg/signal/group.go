package signal

import (
	"encoding/binary"
	"fmt"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

// ===== SENDER KEYS =====

const (
	infoGroup          = "WhisperGroup"
	maxSenderKeyStates = 5
	signatureLength    = 64
)

// SenderKeyName identifies a sender's chain within a group.
type SenderKeyName struct {
	GroupID string
	Sender  string
}

func (n SenderKeyName) String() string {
	return n.GroupID + "::" + n.Sender
}

// SenderChainKey is one step of a sender key chain.
type SenderChainKey struct {
	Iteration uint32 `json:"iteration"`
	Seed      []byte `json:"seed"`
}

// SenderMessageKey encrypts one group message.
type SenderMessageKey struct {
	Iteration uint32 `json:"iteration"`
	IV        []byte `json:"iv"`
	CipherKey []byte `json:"cipher_key"`
}

func (c SenderChainKey) next() SenderChainKey {
	return SenderChainKey{Iteration: c.Iteration + 1, Seed: crypto.HMACSHA256(c.Seed, []byte{0x02})}
}

func (c SenderChainKey) messageKey() (SenderMessageKey, error) {
	derivative := crypto.HMACSHA256(c.Seed, []byte{0x01})
	out, err := crypto.HKDF(derivative, nil, []byte(infoGroup), 48)
	if err != nil {
		return SenderMessageKey{}, err
	}
	return SenderMessageKey{Iteration: c.Iteration, IV: out[:16], CipherKey: out[16:48]}, nil
}

// SenderKeyState is one generation of a sender's chain. SigningPrivate is
// only set for our own chains.
type SenderKeyState struct {
	KeyID          uint32             `json:"key_id"`
	ChainKey       SenderChainKey     `json:"chain_key"`
	SigningPublic  [32]byte           `json:"signing_public"`
	SigningPrivate *[32]byte          `json:"signing_private,omitempty"`
	MessageKeys    []SenderMessageKey `json:"message_keys,omitempty"`
}

// SenderKeyRecord holds the sender key states of one sender in one group,
// newest first.
type SenderKeyRecord struct {
	States []*SenderKeyState `json:"states,omitempty"`
}

func (r *SenderKeyRecord) IsEmpty() bool {
	return r == nil || len(r.States) == 0
}

func (r *SenderKeyRecord) state(keyID uint32) *SenderKeyState {
	for _, state := range r.States {
		if state.KeyID == keyID {
			return state
		}
	}
	return nil
}

func (r *SenderKeyRecord) add(state *SenderKeyState) {
	r.States = append([]*SenderKeyState{state}, r.States...)
	if len(r.States) > maxSenderKeyStates {
		r.States = r.States[:maxSenderKeyStates]
	}
}

// GroupSessionBuilder creates and processes sender key distribution messages.
type GroupSessionBuilder struct {
	store SenderKeyStore
}

func NewGroupSessionBuilder(store SenderKeyStore) *GroupSessionBuilder {
	return &GroupSessionBuilder{store: store}
}

// Create returns the distribution message for our own chain in a group,
// generating the chain on first use.
func (b *GroupSessionBuilder) Create(name SenderKeyName) ([]byte, error) {
	record, err := b.store.LoadSenderKey(name)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &SenderKeyRecord{}
	}
	if record.IsEmpty() {
		idBytes, err := crypto.RandomBytes(4)
		if err != nil {
			return nil, err
		}
		seed, err := crypto.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		signing, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		private := signing.Private
		record.add(&SenderKeyState{
			KeyID:          binary.BigEndian.Uint32(idBytes) & 0x7FFFFFFF,
			ChainKey:       SenderChainKey{Seed: seed},
			SigningPublic:  signing.Public,
			SigningPrivate: &private,
		})
		if err := b.store.StoreSenderKey(name, record); err != nil {
			return nil, err
		}
	}
	state := record.States[0]
	msg := &waproto.SenderKeyDistributionMessage{
		ID:         state.KeyID,
		Iteration:  state.ChainKey.Iteration,
		ChainKey:   state.ChainKey.Seed,
		SigningKey: crypto.SignalPublic(state.SigningPublic),
	}
	return append([]byte{versionByte}, msg.Marshal()...), nil
}

// Process stores a sender's chain from a serialized distribution message.
func (b *GroupSessionBuilder) Process(name SenderKeyName, serialized []byte) error {
	if err := checkVersion(serialized); err != nil {
		return err
	}
	var msg waproto.SenderKeyDistributionMessage
	if err := msg.Unmarshal(serialized[1:]); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	signing, err := crypto.ParsePublic(msg.SigningKey)
	if err != nil {
		return fmt.Errorf("%w: signing key: %w", ErrInvalidMessage, err)
	}
	if len(msg.ChainKey) != 32 {
		return fmt.Errorf("%w: chain key of %d bytes", ErrInvalidMessage, len(msg.ChainKey))
	}
	record, err := b.store.LoadSenderKey(name)
	if err != nil {
		return err
	}
	if record == nil {
		record = &SenderKeyRecord{}
	}
	if existing := record.state(msg.ID); existing != nil && existing.ChainKey.Iteration <= msg.Iteration {
		return nil
	}
	record.add(&SenderKeyState{
		KeyID:         msg.ID,
		ChainKey:      SenderChainKey{Iteration: msg.Iteration, Seed: msg.ChainKey},
		SigningPublic: signing,
	})
	return b.store.StoreSenderKey(name, record)
}

// GroupCipher encrypts and decrypts sender key messages for one sender.
type GroupCipher struct {
	store SenderKeyStore
	name  SenderKeyName
}

func NewGroupCipher(store SenderKeyStore, name SenderKeyName) *GroupCipher {
	return &GroupCipher{store: store, name: name}
}

// Encrypt encrypts and signs plaintext with our current chain.
func (c *GroupCipher) Encrypt(plaintext []byte) ([]byte, error) {
	record, err := c.store.LoadSenderKey(c.name)
	if err != nil {
		return nil, err
	}
	if record.IsEmpty() || record.States[0].SigningPrivate == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSenderKey, c.name)
	}
	state := record.States[0]
	key, err := state.ChainKey.messageKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptCBC(key.CipherKey, key.IV, plaintext)
	if err != nil {
		return nil, err
	}
	body := &waproto.SenderKeyMessage{ID: state.KeyID, Iteration: key.Iteration, Ciphertext: ciphertext}
	serialized := append([]byte{versionByte}, body.Marshal()...)
	signature, err := crypto.Sign(*state.SigningPrivate, serialized)
	if err != nil {
		return nil, err
	}
	state.ChainKey = state.ChainKey.next()
	if err := c.store.StoreSenderKey(c.name, record); err != nil {
		return nil, err
	}
	return append(serialized, signature[:]...), nil
}

// Decrypt verifies and decrypts a sender key message.
func (c *GroupCipher) Decrypt(serialized []byte) ([]byte, error) {
	if err := checkVersion(serialized); err != nil {
		return nil, err
	}
	if len(serialized) < 1+signatureLength {
		return nil, fmt.Errorf("%w: too short", ErrInvalidMessage)
	}
	split := len(serialized) - signatureLength
	var body waproto.SenderKeyMessage
	if err := body.Unmarshal(serialized[1:split]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	record, err := c.store.LoadSenderKey(c.name)
	if err != nil {
		return nil, err
	}
	if record.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", ErrNoSenderKey, c.name)
	}
	state := record.state(body.ID)
	if state == nil {
		return nil, fmt.Errorf("%w: %s key %d", ErrNoSenderKey, c.name, body.ID)
	}
	if !crypto.VerifySignal(state.SigningPublic[:], serialized[:split], serialized[split:]) {
		return nil, crypto.ErrInvalidSignature
	}
	key, err := state.senderMessageKey(body.Iteration)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptCBC(key.CipherKey, key.IV, body.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecrypt, err)
	}
	if err := c.store.StoreSenderKey(c.name, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *SenderKeyState) senderMessageKey(iteration uint32) (SenderMessageKey, error) {
	if s.ChainKey.Iteration > iteration {
		for i, key := range s.MessageKeys {
			if key.Iteration == iteration {
				s.MessageKeys = append(s.MessageKeys[:i], s.MessageKeys[i+1:]...)
				return key, nil
			}
		}
		return SenderMessageKey{}, fmt.Errorf("%w: iteration %d, chain at %d", ErrDuplicateMessage, iteration, s.ChainKey.Iteration)
	}
	if iteration-s.ChainKey.Iteration > MaxSkip {
		return SenderMessageKey{}, fmt.Errorf("%w: %d ahead", ErrTooFarInFuture, iteration-s.ChainKey.Iteration)
	}
	chain := s.ChainKey
	for chain.Iteration < iteration {
		skipped, err := chain.messageKey()
		if err != nil {
			return SenderMessageKey{}, err
		}
		s.MessageKeys = append(s.MessageKeys, skipped)
		chain = chain.next()
	}
	if len(s.MessageKeys) > maxMessageKeys {
		s.MessageKeys = s.MessageKeys[len(s.MessageKeys)-maxMessageKeys:]
	}
	key, err := chain.messageKey()
	if err != nil {
		return SenderMessageKey{}, err
	}
	s.ChainKey = chain.next()
	return key, nil
}
