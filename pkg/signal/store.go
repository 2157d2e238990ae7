package signal

import "github.com/technocode/Cobalt/pkg/crypto"

// IdentityStore holds the local identity and the remote identities seen.
type IdentityStore interface {
	IdentityKeyPair() *crypto.KeyPair
	LocalRegistrationID() uint32
	SaveIdentity(address string, key [32]byte) error
	IsTrustedIdentity(address string, key [32]byte) bool
}

// PreKeyStore holds one-time prekeys. LoadPreKey returns nil for unknown ids.
type PreKeyStore interface {
	LoadPreKey(id uint32) (*crypto.KeyPair, error)
	RemovePreKey(id uint32) error
}

// SignedPreKeyStore returns the signed prekey with the given id, or nil.
type SignedPreKeyStore interface {
	LoadSignedPreKey(id uint32) (*crypto.SignedKeyPair, error)
}

// SessionStore persists session records keyed by signal address.
// LoadSession returns an empty record when none exists.
type SessionStore interface {
	LoadSession(address string) (*SessionRecord, error)
	StoreSession(address string, record *SessionRecord) error
}

// SenderKeyStore persists group sender key records.
type SenderKeyStore interface {
	LoadSenderKey(name SenderKeyName) (*SenderKeyRecord, error)
	StoreSenderKey(name SenderKeyName, record *SenderKeyRecord) error
}

// Store is everything a pairwise session needs.
type Store interface {
	IdentityStore
	PreKeyStore
	SignedPreKeyStore
	SessionStore
}
