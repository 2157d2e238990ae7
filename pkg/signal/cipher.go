package signal

import (
	"errors"
	"fmt"

	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/waproto"
)

// SessionCipher encrypts and decrypts pairwise messages for one device.
// Callers serialize access per address.
type SessionCipher struct {
	store   Store
	address string
	builder *SessionBuilder
}

func NewSessionCipher(store Store, address string) *SessionCipher {
	return &SessionCipher{store: store, address: address, builder: NewSessionBuilder(store, address)}
}

// HasSession reports whether a usable session with address exists.
func HasSession(store SessionStore, address string) bool {
	record, err := store.LoadSession(address)
	return err == nil && !record.IsEmpty()
}

// Encrypt encrypts plaintext with the current session. The result is a
// prekey message until the remote side has answered.
func (c *SessionCipher) Encrypt(plaintext []byte) (*CiphertextMessage, error) {
	record, err := c.store.LoadSession(c.address)
	if err != nil {
		return nil, err
	}
	if record.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.address)
	}
	state := record.Current.clone()

	chainKey := state.SenderChain.ChainKey
	keys, err := chainKey.MessageKeys()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptCBC(keys.CipherKey, keys.IV, plaintext)
	if err != nil {
		return nil, err
	}
	body := &waproto.SignalMessage{
		RatchetKey:      state.SenderChain.RatchetKey.SignalPublic(),
		Counter:         chainKey.Index,
		PreviousCounter: state.PreviousCounter,
		Ciphertext:      ciphertext,
	}
	serialized := sealWhisper(body, keys.MacKey, state.LocalIdentity, state.RemoteIdentity)

	out := &CiphertextMessage{Type: TypeWhisper, Serialized: serialized}
	if pending := state.PendingPreKey; pending != nil {
		out = &CiphertextMessage{Type: TypePreKey, Serialized: sealPreKey(&waproto.PreKeySignalMessage{
			RegistrationID: state.LocalRegistrationID,
			PreKeyID:       pending.PreKeyID,
			HasPreKeyID:    pending.HasPreKeyID,
			SignedPreKeyID: pending.SignedPreKeyID,
			BaseKey:        crypto.SignalPublic(pending.BaseKey),
			IdentityKey:    crypto.SignalPublic(state.LocalIdentity),
			Message:        serialized,
		})}
	}

	state.SenderChain.ChainKey = chainKey.Next()
	record.Current = state
	if err := c.store.StoreSession(c.address, record); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt decrypts a whisper message ("msg") with an existing session.
func (c *SessionCipher) Decrypt(serialized []byte) ([]byte, error) {
	msg, err := parseWhisper(serialized)
	if err != nil {
		return nil, err
	}
	record, err := c.store.LoadSession(c.address)
	if err != nil {
		return nil, err
	}
	if record.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.address)
	}
	plaintext, err := decryptWithRecord(record, msg)
	if err != nil {
		return nil, err
	}
	if err := c.store.StoreSession(c.address, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}

type preKeyMessage struct {
	body        *waproto.PreKeySignalMessage
	baseKey     [32]byte
	identityKey [32]byte
	message     *whisperMessage
}

// DecryptPreKey decrypts a prekey message ("pkmsg"), creating the session
// it announces when needed.
func (c *SessionCipher) DecryptPreKey(serialized []byte) ([]byte, error) {
	body, err := parsePreKey(serialized)
	if err != nil {
		return nil, err
	}
	msg := &preKeyMessage{body: body}
	if msg.baseKey, err = crypto.ParsePublic(body.BaseKey); err != nil {
		return nil, fmt.Errorf("%w: base key: %w", ErrInvalidMessage, err)
	}
	if msg.identityKey, err = crypto.ParsePublic(body.IdentityKey); err != nil {
		return nil, fmt.Errorf("%w: identity key: %w", ErrInvalidMessage, err)
	}
	if msg.message, err = parseWhisper(body.Message); err != nil {
		return nil, err
	}

	record, err := c.store.LoadSession(c.address)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &SessionRecord{}
	}
	preKeyID, usedPreKey, err := c.builder.processPreKey(record, msg)
	if err != nil {
		return nil, err
	}
	plaintext, err := decryptWithRecord(record, msg.message)
	if err != nil {
		return nil, err
	}
	if err := c.store.StoreSession(c.address, record); err != nil {
		return nil, err
	}
	if usedPreKey {
		if err := c.store.RemovePreKey(preKeyID); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

// decryptWithRecord tries the current state and then archived ones. A state
// is only replaced when it decrypts the message.
func decryptWithRecord(record *SessionRecord, msg *whisperMessage) ([]byte, error) {
	var firstErr error
	states := append([]*SessionState{record.Current}, record.Previous...)
	for i, state := range states {
		candidate := state.clone()
		plaintext, err := decryptWithState(candidate, msg)
		if err == nil {
			if i == 0 {
				record.Current = candidate
			} else {
				record.Previous = append(record.Previous[:i-1], record.Previous[i:]...)
				record.promote(candidate)
			}
			return plaintext, nil
		}
		if firstErr == nil || errors.Is(firstErr, ErrInvalidMAC) && !errors.Is(err, ErrInvalidMAC) {
			firstErr = err
		}
	}
	return nil, firstErr
}

func decryptWithState(state *SessionState, msg *whisperMessage) ([]byte, error) {
	chain, err := state.receivingChainKey(msg.ratchetKey)
	if err != nil {
		return nil, err
	}
	keys, err := state.messageKeys(chain, msg.body.Counter)
	if err != nil {
		return nil, err
	}
	if err := msg.verifyMAC(keys.MacKey, state.RemoteIdentity, state.LocalIdentity); err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptCBC(keys.CipherKey, keys.IV, msg.body.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrDecrypt, err)
	}
	state.PendingPreKey = nil
	return plaintext, nil
}
