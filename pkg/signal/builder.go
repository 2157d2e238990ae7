package signal

import (
	"fmt"

	"github.com/technocode/Cobalt/pkg/crypto"
)

// PreKeyBundle is the public key material a device publishes for session
// setup.
type PreKeyBundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	PreKeyID              uint32
	PreKey                *[32]byte
	SignedPreKeyID        uint32
	SignedPreKey          [32]byte
	SignedPreKeySignature [64]byte
	IdentityKey           [32]byte
}

// VerifySignedPreKey checks the bundle's signed prekey against its identity.
func (b *PreKeyBundle) VerifySignedPreKey() bool {
	return crypto.Verify(b.IdentityKey, crypto.SignalPublic(b.SignedPreKey), b.SignedPreKeySignature)
}

// SessionBuilder establishes sessions with one remote device.
type SessionBuilder struct {
	store   Store
	address string
}

func NewSessionBuilder(store Store, address string) *SessionBuilder {
	return &SessionBuilder{store: store, address: address}
}

// ProcessBundle runs X3DH as the initiator and stores a session whose next
// messages are prekey messages.
func (b *SessionBuilder) ProcessBundle(bundle *PreKeyBundle) error {
	if !b.store.IsTrustedIdentity(b.address, bundle.IdentityKey) {
		return fmt.Errorf("%w: %s", ErrUntrustedIdentity, b.address)
	}
	if !bundle.VerifySignedPreKey() {
		return fmt.Errorf("signed prekey of %s: %w", b.address, crypto.ErrInvalidSignature)
	}

	identity := b.store.IdentityKeyPair()
	baseKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	ratchetKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	master, err := agreeAll(
		agreement{identity, bundle.SignedPreKey},
		agreement{baseKey, bundle.IdentityKey},
		agreement{baseKey, bundle.SignedPreKey},
	)
	if err != nil {
		return err
	}
	if bundle.PreKey != nil {
		secret, err := baseKey.Agree(*bundle.PreKey)
		if err != nil {
			return err
		}
		master = append(master, secret...)
	}

	root, receiving, err := deriveInitialKeys(master)
	if err != nil {
		return err
	}
	root, sending, err := createChain(root, bundle.SignedPreKey, ratchetKey)
	if err != nil {
		return err
	}

	state := &SessionState{
		LocalIdentity:        identity.Public,
		RemoteIdentity:       bundle.IdentityKey,
		LocalRegistrationID:  b.store.LocalRegistrationID(),
		RemoteRegistrationID: bundle.RegistrationID,
		RootKey:              root,
		SenderChain:          SenderChain{RatchetKey: *ratchetKey, ChainKey: sending},
		BaseKey:              baseKey.Public,
		PendingPreKey: &PendingPreKey{
			PreKeyID:       bundle.PreKeyID,
			HasPreKeyID:    bundle.PreKey != nil,
			SignedPreKeyID: bundle.SignedPreKeyID,
			BaseKey:        baseKey.Public,
		},
	}
	state.addReceiverChain(bundle.SignedPreKey, receiving)

	record, err := b.store.LoadSession(b.address)
	if err != nil {
		return err
	}
	if record == nil {
		record = &SessionRecord{}
	}
	record.promote(state)
	if err := b.store.SaveIdentity(b.address, bundle.IdentityKey); err != nil {
		return err
	}
	return b.store.StoreSession(b.address, record)
}

// processPreKey builds the responder session for an incoming prekey message
// unless one with the same base key exists. It returns the one-time prekey
// id to delete after a successful decrypt.
func (b *SessionBuilder) processPreKey(record *SessionRecord, msg *preKeyMessage) (uint32, bool, error) {
	if !b.store.IsTrustedIdentity(b.address, msg.identityKey) {
		return 0, false, fmt.Errorf("%w: %s", ErrUntrustedIdentity, b.address)
	}
	if record.hasBaseKey(msg.baseKey) {
		return 0, false, nil
	}

	signedPreKey, err := b.store.LoadSignedPreKey(msg.body.SignedPreKeyID)
	if err != nil {
		return 0, false, err
	}
	if signedPreKey == nil {
		return 0, false, fmt.Errorf("%w: signed prekey %d", ErrMissingPreKey, msg.body.SignedPreKeyID)
	}
	var oneTime *crypto.KeyPair
	if msg.body.HasPreKeyID {
		if oneTime, err = b.store.LoadPreKey(msg.body.PreKeyID); err != nil {
			return 0, false, err
		}
		if oneTime == nil {
			return 0, false, fmt.Errorf("%w: prekey %d", ErrMissingPreKey, msg.body.PreKeyID)
		}
	}

	identity := b.store.IdentityKeyPair()
	master, err := agreeAll(
		agreement{&signedPreKey.KeyPair, msg.identityKey},
		agreement{identity, msg.baseKey},
		agreement{&signedPreKey.KeyPair, msg.baseKey},
	)
	if err != nil {
		return 0, false, err
	}
	if oneTime != nil {
		secret, err := oneTime.Agree(msg.baseKey)
		if err != nil {
			return 0, false, err
		}
		master = append(master, secret...)
	}
	root, sending, err := deriveInitialKeys(master)
	if err != nil {
		return 0, false, err
	}

	record.promote(&SessionState{
		LocalIdentity:        identity.Public,
		RemoteIdentity:       msg.identityKey,
		LocalRegistrationID:  b.store.LocalRegistrationID(),
		RemoteRegistrationID: msg.body.RegistrationID,
		RootKey:              root,
		SenderChain:          SenderChain{RatchetKey: signedPreKey.KeyPair, ChainKey: sending},
		BaseKey:              msg.baseKey,
	})
	if err := b.store.SaveIdentity(b.address, msg.identityKey); err != nil {
		return 0, false, err
	}
	return msg.body.PreKeyID, msg.body.HasPreKeyID, nil
}

type agreement struct {
	ours   *crypto.KeyPair
	theirs [32]byte
}

// agreeAll concatenates the discontinuity bytes and each DH output.
func agreeAll(agreements ...agreement) ([]byte, error) {
	master := append([]byte(nil), discontinuity...)
	for _, a := range agreements {
		secret, err := a.ours.Agree(a.theirs)
		if err != nil {
			return nil, err
		}
		master = append(master, secret...)
	}
	return master, nil
}
