// Package store holds the persisted state of a socket session and the
// serializers that load and save it.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/technocode/Cobalt/pkg/binary"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNotFound = errors.New("store: session not found")
	ErrCorrupt  = errors.New("store: corrupt session data")
	ErrNoKey    = errors.New("store: session key has no uuid, phone or alias")
)

// ClientType distinguishes companion (web) sessions from primary (mobile) ones.
type ClientType string

const (
	ClientWeb    ClientType = "web"
	ClientMobile ClientType = "mobile"
)

// SessionKey identifies a persisted session. Lookups use the UUID when set,
// then the phone number, then the alias.
type SessionKey struct {
	ClientType ClientType
	UUID       uuid.UUID
	Phone      string
	Alias      string
}

func (k SessionKey) String() string {
	switch {
	case k.UUID != uuid.Nil:
		return fmt.Sprintf("%s/%s", k.ClientType, k.UUID)
	case k.Phone != "":
		return fmt.Sprintf("%s/+%s", k.ClientType, k.Phone)
	default:
		return fmt.Sprintf("%s/%s", k.ClientType, k.Alias)
	}
}

func (k SessionKey) valid() bool {
	return k.UUID != uuid.Nil || k.Phone != "" || k.Alias != ""
}

// Store is the account state of one session.
type Store struct {
	mu sync.RWMutex

	UUID        uuid.UUID         `json:"uuid"`
	ClientType  ClientType        `json:"client_type"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	Aliases     []string          `json:"aliases,omitempty"`
	JID         *binary.JID       `json:"jid,omitempty"`
	PushName    string            `json:"push_name,omitempty"`
	Registered  bool              `json:"registered"`
	ServerProps map[string]string `json:"server_props,omitempty"`
	RoutingInfo []byte            `json:"routing_info,omitempty"`
}

// NewStore returns the store of a session that has never logged in.
func NewStore(clientType ClientType) *Store {
	return &Store{UUID: uuid.New(), ClientType: clientType, ServerProps: make(map[string]string)}
}

// Key returns the key the store is persisted under.
func (s *Store) Key() SessionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := SessionKey{ClientType: s.ClientType, UUID: s.UUID, Phone: s.PhoneNumber}
	if len(s.Aliases) > 0 {
		key.Alias = s.Aliases[0]
	}
	return key
}

// ID returns the account JID once the session is registered.
func (s *Store) ID() (binary.JID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.JID == nil {
		return binary.JID{}, false
	}
	return *s.JID, true
}

// SetRegistered records the JID assigned at pairing.
func (s *Store) SetRegistered(jid binary.JID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.JID = &jid
	s.Registered = true
	if s.PhoneNumber == "" {
		s.PhoneNumber = jid.User
	}
}

func (s *Store) IsRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Registered
}

func (s *Store) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.PushName
}

func (s *Store) SetPushName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PushName = name
}

func (s *Store) Routing() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.RoutingInfo...)
}

func (s *Store) SetRoutingInfo(info []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RoutingInfo = append([]byte(nil), info...)
}

// SetServerProps replaces the server-provided properties.
func (s *Store) SetServerProps(props map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ServerProps = make(map[string]string, len(props))
	for k, v := range props {
		s.ServerProps[k] = v
	}
}

func (s *Store) ServerProp(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.ServerProps[key]
	return v, ok
}

type storeData Store

func (s *Store) marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal((*storeData)(s))
}

func unmarshalStore(data []byte) (*Store, error) {
	s := &Store{}
	if err := json.Unmarshal(data, (*storeData)(s)); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	if s.UUID == uuid.Nil {
		return nil, fmt.Errorf("%w: store without uuid", ErrCorrupt)
	}
	if s.ServerProps == nil {
		s.ServerProps = make(map[string]string)
	}
	return s, nil
}

// Session pairs the keys and account state of one connection.
type Session struct {
	Keys  *Keys
	Store *Store
}

// NewSession creates the state of a brand new session.
func NewSession(clientType ClientType) (*Session, error) {
	keys, err := NewKeys()
	if err != nil {
		return nil, err
	}
	return &Session{Keys: keys, Store: NewStore(clientType)}, nil
}

// Serializer persists sessions. Implementations resolve a SessionKey by
// UUID, phone number or alias and return ErrNotFound for unknown sessions.
type Serializer interface {
	LoadKeys(ctx context.Context, key SessionKey) (*Keys, error)
	SaveKeys(ctx context.Context, key SessionKey, keys *Keys) error
	LoadStore(ctx context.Context, key SessionKey) (*Store, error)
	SaveStore(ctx context.Context, store *Store) error
	Delete(ctx context.Context, key SessionKey) error
	List(ctx context.Context, clientType ClientType) ([]SessionKey, error)
}

// Load reads both halves of a session.
func Load(ctx context.Context, serializer Serializer, key SessionKey) (*Session, error) {
	st, err := serializer.LoadStore(ctx, key)
	if err != nil {
		return nil, err
	}
	keys, err := serializer.LoadKeys(ctx, st.Key())
	if err != nil {
		return nil, err
	}
	return &Session{Keys: keys, Store: st}, nil
}

// Save writes both halves of a session.
func Save(ctx context.Context, serializer Serializer, session *Session) error {
	if err := serializer.SaveStore(ctx, session.Store); err != nil {
		return err
	}
	return serializer.SaveKeys(ctx, session.Store.Key(), session.Keys)
}

// ListSessions loads the store half of every session of the client type.
func ListSessions(ctx context.Context, serializer Serializer, clientType ClientType) ([]*Store, error) {
	keys, err := serializer.List(ctx, clientType)
	if err != nil {
		return nil, err
	}
	stores := make([]*Store, 0, len(keys))
	for _, key := range keys {
		st, err := serializer.LoadStore(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		stores = append(stores, st)
	}
	return stores, nil
}
