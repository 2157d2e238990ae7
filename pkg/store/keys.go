package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/technocode/Cobalt/pkg/appstate"
	"github.com/technocode/Cobalt/pkg/crypto"
	"github.com/technocode/Cobalt/pkg/signal"
)

// AppStateKey is an app-state sync key shared by the primary device.
type AppStateKey struct {
	Data        []byte `json:"data"`
	Fingerprint []byte `json:"fingerprint,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// PreKey is a one-time prekey with its id.
type PreKey struct {
	ID uint32
	crypto.KeyPair
}

// Keys is the cryptographic material of one session. Every accessor is safe
// for concurrent use; session and sender key records are returned by
// reference and callers serialize their own mutations.
type Keys struct {
	mu sync.RWMutex

	NoiseKey          *crypto.KeyPair                             `json:"noise_key"`
	IdentityKey       *crypto.KeyPair                             `json:"identity_key"`
	SignedPreKey      *crypto.SignedKeyPair                       `json:"signed_pre_key"`
	RegistrationID    uint32                                      `json:"registration_id"`
	AdvSecretKey      []byte                                      `json:"adv_secret_key"`
	PreKeys           map[uint32]*crypto.KeyPair                  `json:"pre_keys"`
	NextPreKeyID      uint32                                      `json:"next_pre_key_id"`
	Identities        map[string][32]byte                         `json:"identities"`
	Sessions          map[string]*signal.SessionRecord            `json:"sessions"`
	SenderKeys        map[string]*signal.SenderKeyRecord          `json:"sender_keys"`
	AppStateKeys      map[string]*AppStateKey                     `json:"app_state_keys"`
	HashStates        map[appstate.Collection]*appstate.HashState `json:"hash_states"`
	CompanionIdentity []byte                                      `json:"companion_identity,omitempty"`
}

// NewKeys generates the key material of a new companion.
func NewKeys() (*Keys, error) {
	noise, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signed, err := identity.CreateSignedPreKey(1)
	if err != nil {
		return nil, err
	}
	regID, err := crypto.RandomBytes(2)
	if err != nil {
		return nil, err
	}
	adv, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	keys := &Keys{
		NoiseKey:       noise,
		IdentityKey:    identity,
		SignedPreKey:   signed,
		RegistrationID: uint32(binary.BigEndian.Uint16(regID)&0x3FFF) + 1,
		AdvSecretKey:   adv,
		NextPreKeyID:   1,
	}
	keys.init()
	return keys, nil
}

func (k *Keys) init() {
	if k.PreKeys == nil {
		k.PreKeys = make(map[uint32]*crypto.KeyPair)
	}
	if k.Identities == nil {
		k.Identities = make(map[string][32]byte)
	}
	if k.Sessions == nil {
		k.Sessions = make(map[string]*signal.SessionRecord)
	}
	if k.SenderKeys == nil {
		k.SenderKeys = make(map[string]*signal.SenderKeyRecord)
	}
	if k.AppStateKeys == nil {
		k.AppStateKeys = make(map[string]*AppStateKey)
	}
	if k.HashStates == nil {
		k.HashStates = make(map[appstate.Collection]*appstate.HashState)
	}
	if k.NextPreKeyID == 0 {
		k.NextPreKeyID = 1
	}
}

type keysData Keys

func (k *Keys) marshal() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return json.Marshal((*keysData)(k))
}

func unmarshalKeys(data []byte) (*Keys, error) {
	keys := &Keys{}
	if err := json.Unmarshal(data, (*keysData)(keys)); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	if keys.NoiseKey == nil || keys.IdentityKey == nil || keys.SignedPreKey == nil {
		return nil, fmt.Errorf("%w: keys without identity material", ErrCorrupt)
	}
	keys.init()
	return keys, nil
}

func (k *Keys) IdentityKeyPair() *crypto.KeyPair {
	return k.IdentityKey
}

func (k *Keys) LocalRegistrationID() uint32 {
	return k.RegistrationID
}

func (k *Keys) SaveIdentity(address string, key [32]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Identities[address] = key
	return nil
}

// IsTrustedIdentity trusts an address on first use and afterwards only the
// identity it was first seen with.
func (k *Keys) IsTrustedIdentity(address string, key [32]byte) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	known, ok := k.Identities[address]
	return !ok || known == key
}

// DeleteIdentity forgets the identity of an address, so its next key is
// trusted again.
func (k *Keys) DeleteIdentity(address string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.Identities, address)
}

func (k *Keys) LoadPreKey(id uint32) (*crypto.KeyPair, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.PreKeys[id], nil
}

func (k *Keys) RemovePreKey(id uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.PreKeys, id)
	return nil
}

func (k *Keys) LoadSignedPreKey(id uint32) (*crypto.SignedKeyPair, error) {
	if k.SignedPreKey == nil || k.SignedPreKey.KeyID != id {
		return nil, nil
	}
	return k.SignedPreKey, nil
}

// GeneratePreKeys creates count one-time prekeys with consecutive ids.
func (k *Keys) GeneratePreKeys(count int) ([]PreKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]PreKey, 0, count)
	for i := 0; i < count; i++ {
		pair, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		id := k.NextPreKeyID
		k.NextPreKeyID++
		k.PreKeys[id] = pair
		out = append(out, PreKey{ID: id, KeyPair: *pair})
	}
	return out, nil
}

func (k *Keys) LoadSession(address string) (*signal.SessionRecord, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if record, ok := k.Sessions[address]; ok {
		return record, nil
	}
	return &signal.SessionRecord{}, nil
}

func (k *Keys) StoreSession(address string, record *signal.SessionRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Sessions[address] = record
	return nil
}

func (k *Keys) DeleteSession(address string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.Sessions, address)
}

func (k *Keys) LoadSenderKey(name signal.SenderKeyName) (*signal.SenderKeyRecord, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if record, ok := k.SenderKeys[name.String()]; ok {
		return record, nil
	}
	return &signal.SenderKeyRecord{}, nil
}

func (k *Keys) StoreSenderKey(name signal.SenderKeyName, record *signal.SenderKeyRecord) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.SenderKeys[name.String()] = record
	return nil
}

// AppStateSyncKey returns the key data for id, or nil if it was never shared.
func (k *Keys) AppStateSyncKey(id []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.AppStateKeys[hex.EncodeToString(id)]; ok {
		return key.Data, nil
	}
	return nil, nil
}

func (k *Keys) PutAppStateSyncKey(id []byte, key *AppStateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.AppStateKeys[hex.EncodeToString(id)] = key
}

// LatestAppStateKeyID returns the id of the most recent sync key, which is
// the one new patches are encrypted with.
func (k *Keys) LatestAppStateKeyID() ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var (
		latest string
		ts     int64 = -1
	)
	for id, key := range k.AppStateKeys {
		if key.Timestamp > ts || (key.Timestamp == ts && id > latest) {
			latest, ts = id, key.Timestamp
		}
	}
	if ts < 0 {
		return nil, false
	}
	id, err := hex.DecodeString(latest)
	return id, err == nil
}

// HashState returns a copy of the collection's state, or a fresh state.
func (k *Keys) HashState(name appstate.Collection) *appstate.HashState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if state, ok := k.HashStates[name]; ok {
		return state.Clone()
	}
	return appstate.NewHashState()
}

func (k *Keys) PutHashState(name appstate.Collection, state *appstate.HashState) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.HashStates[name] = state.Clone()
}

func (k *Keys) SetCompanionIdentity(raw []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.CompanionIdentity = append([]byte(nil), raw...)
}

func (k *Keys) Companion() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]byte(nil), k.CompanionIdentity...)
}
