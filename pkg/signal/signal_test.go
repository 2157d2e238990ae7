package signal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technocode/Cobalt/pkg/crypto"
)

type memoryStore struct {
	identity      *crypto.KeyPair
	registration  uint32
	identities    map[string][32]byte
	preKeys       map[uint32]*crypto.KeyPair
	signedPreKey  *crypto.SignedKeyPair
	sessions      map[string]*SessionRecord
	senderKeys    map[SenderKeyName]*SenderKeyRecord
	removedPreKey []uint32
}

func newMemoryStore(t *testing.T, registration uint32) *memoryStore {
	t.Helper()
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signed, err := identity.CreateSignedPreKey(1)
	require.NoError(t, err)
	preKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &memoryStore{
		identity:     identity,
		registration: registration,
		identities:   map[string][32]byte{},
		preKeys:      map[uint32]*crypto.KeyPair{7: preKey},
		signedPreKey: signed,
		sessions:     map[string]*SessionRecord{},
		senderKeys:   map[SenderKeyName]*SenderKeyRecord{},
	}
}

func (s *memoryStore) IdentityKeyPair() *crypto.KeyPair { return s.identity }
func (s *memoryStore) LocalRegistrationID() uint32      { return s.registration }

func (s *memoryStore) SaveIdentity(address string, key [32]byte) error {
	s.identities[address] = key
	return nil
}

func (s *memoryStore) IsTrustedIdentity(address string, key [32]byte) bool {
	known, ok := s.identities[address]
	return !ok || known == key
}

func (s *memoryStore) LoadPreKey(id uint32) (*crypto.KeyPair, error) { return s.preKeys[id], nil }

func (s *memoryStore) RemovePreKey(id uint32) error {
	delete(s.preKeys, id)
	s.removedPreKey = append(s.removedPreKey, id)
	return nil
}

func (s *memoryStore) LoadSignedPreKey(id uint32) (*crypto.SignedKeyPair, error) {
	if s.signedPreKey.KeyID != id {
		return nil, nil
	}
	return s.signedPreKey, nil
}

func (s *memoryStore) LoadSession(address string) (*SessionRecord, error) {
	if record, ok := s.sessions[address]; ok {
		return record, nil
	}
	return &SessionRecord{}, nil
}

func (s *memoryStore) StoreSession(address string, record *SessionRecord) error {
	s.sessions[address] = record
	return nil
}

func (s *memoryStore) LoadSenderKey(name SenderKeyName) (*SenderKeyRecord, error) {
	if record, ok := s.senderKeys[name]; ok {
		return record, nil
	}
	return &SenderKeyRecord{}, nil
}

func (s *memoryStore) StoreSenderKey(name SenderKeyName, record *SenderKeyRecord) error {
	s.senderKeys[name] = record
	return nil
}

func (s *memoryStore) bundle(withPreKey bool) *PreKeyBundle {
	b := &PreKeyBundle{
		RegistrationID:        s.registration,
		SignedPreKeyID:        s.signedPreKey.KeyID,
		SignedPreKey:          s.signedPreKey.Public,
		SignedPreKeySignature: s.signedPreKey.Signature,
		IdentityKey:           s.identity.Public,
	}
	if withPreKey {
		public := s.preKeys[7].Public
		b.PreKeyID = 7
		b.PreKey = &public
	}
	return b
}

const (
	aliceAddress = "1111:0"
	bobAddress   = "2222:0"
)

func establish(t *testing.T, withPreKey bool) (*memoryStore, *memoryStore) {
	t.Helper()
	alice, bob := newMemoryStore(t, 11), newMemoryStore(t, 22)
	require.NoError(t, NewSessionBuilder(alice, bobAddress).ProcessBundle(bob.bundle(withPreKey)))
	return alice, bob
}

func TestSessionRoundTrip(t *testing.T) {
	for _, withPreKey := range []bool{true, false} {
		alice, bob := establish(t, withPreKey)
		aliceCipher := NewSessionCipher(alice, bobAddress)
		bobCipher := NewSessionCipher(bob, aliceAddress)

		first, err := aliceCipher.Encrypt([]byte("hello bob"))
		require.NoError(t, err)
		if first.Type != TypePreKey {
			t.Fatalf("first message type = %s, want %s", first.Type, TypePreKey)
		}
		plaintext, err := bobCipher.DecryptPreKey(first.Serialized)
		require.NoError(t, err)
		assert.Equal(t, "hello bob", string(plaintext))
		if withPreKey {
			assert.Equal(t, []uint32{7}, bob.removedPreKey)
		} else {
			assert.Empty(t, bob.removedPreKey)
		}

		reply, err := bobCipher.Encrypt([]byte("hello alice"))
		require.NoError(t, err)
		assert.Equal(t, TypeWhisper, reply.Type)
		plaintext, err = aliceCipher.Decrypt(reply.Serialized)
		require.NoError(t, err)
		assert.Equal(t, "hello alice", string(plaintext))

		// The answer acknowledges the prekey, so alice stops sending pkmsg.
		next, err := aliceCipher.Encrypt([]byte("again"))
		require.NoError(t, err)
		assert.Equal(t, TypeWhisper, next.Type)
		plaintext, err = bobCipher.Decrypt(next.Serialized)
		require.NoError(t, err)
		assert.Equal(t, "again", string(plaintext))
	}
}

func TestSessionOutOfOrder(t *testing.T) {
	alice, bob := establish(t, true)
	aliceCipher := NewSessionCipher(alice, bobAddress)
	bobCipher := NewSessionCipher(bob, aliceAddress)

	var messages []*CiphertextMessage
	for _, text := range []string{"one", "two", "three"} {
		msg, err := aliceCipher.Encrypt([]byte(text))
		require.NoError(t, err)
		messages = append(messages, msg)
	}

	plaintext, err := bobCipher.DecryptPreKey(messages[2].Serialized)
	require.NoError(t, err)
	assert.Equal(t, "three", string(plaintext))
	plaintext, err = bobCipher.DecryptPreKey(messages[0].Serialized)
	require.NoError(t, err)
	assert.Equal(t, "one", string(plaintext))
	plaintext, err = bobCipher.DecryptPreKey(messages[1].Serialized)
	require.NoError(t, err)
	assert.Equal(t, "two", string(plaintext))

	_, err = bobCipher.DecryptPreKey(messages[1].Serialized)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestSessionTamperedMAC(t *testing.T) {
	alice, bob := establish(t, true)
	first, err := NewSessionCipher(alice, bobAddress).Encrypt([]byte("hi"))
	require.NoError(t, err)
	_, err = NewSessionCipher(bob, aliceAddress).DecryptPreKey(first.Serialized)
	require.NoError(t, err)

	reply, err := NewSessionCipher(bob, aliceAddress).Encrypt([]byte("secret"))
	require.NoError(t, err)
	reply.Serialized[len(reply.Serialized)-1] ^= 0x01
	_, err = NewSessionCipher(alice, bobAddress).Decrypt(reply.Serialized)
	assert.ErrorIs(t, err, ErrInvalidMAC)

	// A failed decrypt leaves the session usable.
	reply.Serialized[len(reply.Serialized)-1] ^= 0x01
	plaintext, err := NewSessionCipher(alice, bobAddress).Decrypt(reply.Serialized)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plaintext))
}

func TestProcessBundleRejectsBadSignature(t *testing.T) {
	alice, bob := newMemoryStore(t, 1), newMemoryStore(t, 2)
	bundle := bob.bundle(true)
	bundle.SignedPreKeySignature[0] ^= 0xFF
	err := NewSessionBuilder(alice, bobAddress).ProcessBundle(bundle)
	assert.ErrorIs(t, err, crypto.ErrInvalidSignature)
	assert.False(t, HasSession(alice, bobAddress))
}

func TestProcessBundleUntrustedIdentity(t *testing.T) {
	alice, bob := newMemoryStore(t, 1), newMemoryStore(t, 2)
	alice.identities[bobAddress] = [32]byte{1}
	err := NewSessionBuilder(alice, bobAddress).ProcessBundle(bob.bundle(false))
	assert.ErrorIs(t, err, ErrUntrustedIdentity)
}

func TestDecryptWithoutSession(t *testing.T) {
	alice, bob := establish(t, false)
	msg, err := NewSessionCipher(alice, bobAddress).Encrypt([]byte("x"))
	require.NoError(t, err)
	// A whisper message needs an existing session on the receiving side.
	inner, err := parsePreKey(msg.Serialized)
	require.NoError(t, err)
	_, err = NewSessionCipher(bob, aliceAddress).Decrypt(inner.Message)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMessageVersionCheck(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"version 2", []byte{0x22, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseWhisper(tt.input); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("parseWhisper() = %v, want %v", err, ErrInvalidMessage)
			}
		})
	}
}

func TestGroupCipher(t *testing.T) {
	aliceStore, bobStore := newMemoryStore(t, 1), newMemoryStore(t, 2)
	name := SenderKeyName{GroupID: "123-456@g.us", Sender: aliceAddress}

	distribution, err := NewGroupSessionBuilder(aliceStore).Create(name)
	require.NoError(t, err)
	require.NoError(t, NewGroupSessionBuilder(bobStore).Process(name, distribution))

	aliceCipher := NewGroupCipher(aliceStore, name)
	bobCipher := NewGroupCipher(bobStore, name)

	first, err := aliceCipher.Encrypt([]byte("first"))
	require.NoError(t, err)
	second, err := aliceCipher.Encrypt([]byte("second"))
	require.NoError(t, err)

	plaintext, err := bobCipher.Decrypt(second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(plaintext))
	plaintext, err = bobCipher.Decrypt(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(plaintext))

	_, err = bobCipher.Decrypt(first)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestGroupCipherTamperedSignature(t *testing.T) {
	aliceStore, bobStore := newMemoryStore(t, 1), newMemoryStore(t, 2)
	name := SenderKeyName{GroupID: "g@g.us", Sender: aliceAddress}
	distribution, err := NewGroupSessionBuilder(aliceStore).Create(name)
	require.NoError(t, err)
	require.NoError(t, NewGroupSessionBuilder(bobStore).Process(name, distribution))

	msg, err := NewGroupCipher(aliceStore, name).Encrypt([]byte("hi"))
	require.NoError(t, err)
	msg[len(msg)-10] ^= 0x01
	_, err = NewGroupCipher(bobStore, name).Decrypt(msg)
	assert.ErrorIs(t, err, crypto.ErrInvalidSignature)
}

func TestGroupCipherWithoutDistribution(t *testing.T) {
	store := newMemoryStore(t, 1)
	name := SenderKeyName{GroupID: "g@g.us", Sender: bobAddress}
	_, err := NewGroupCipher(store, name).Encrypt([]byte("hi"))
	assert.ErrorIs(t, err, ErrNoSenderKey)
}

func TestChainKeyDerivation(t *testing.T) {
	chain := ChainKey{Key: make([]byte, 32)}
	keys, err := chain.MessageKeys()
	require.NoError(t, err)
	assert.Len(t, keys.CipherKey, 32)
	assert.Len(t, keys.MacKey, 32)
	assert.Len(t, keys.IV, 16)

	next := chain.Next()
	assert.Equal(t, uint32(1), next.Index)
	assert.NotEqual(t, chain.Key, next.Key)
	assert.Equal(t, crypto.HMACSHA256(chain.Key, []byte{0x02}), next.Key)
}
