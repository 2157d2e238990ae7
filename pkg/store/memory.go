package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemorySerializer keeps serialized sessions in memory. Data round-trips
// through the same encoding as the persistent serializers.
type MemorySerializer struct {
	mu     sync.Mutex
	stores map[uuid.UUID][]byte
	keys   map[uuid.UUID][]byte
	meta   map[uuid.UUID]SessionKey
	alias  map[uuid.UUID][]string
}

func NewMemorySerializer() *MemorySerializer {
	return &MemorySerializer{
		stores: make(map[uuid.UUID][]byte),
		keys:   make(map[uuid.UUID][]byte),
		meta:   make(map[uuid.UUID]SessionKey),
		alias:  make(map[uuid.UUID][]string),
	}
}

func (m *MemorySerializer) resolve(key SessionKey) (uuid.UUID, error) {
	if !key.valid() {
		return uuid.Nil, ErrNoKey
	}
	if key.UUID != uuid.Nil {
		return key.UUID, nil
	}
	for id, meta := range m.meta {
		if meta.ClientType != key.ClientType {
			continue
		}
		if (key.Phone != "" && meta.Phone == key.Phone) ||
			(key.Phone == "" && slices.Contains(m.alias[id], key.Alias)) {
			return id, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (m *MemorySerializer) LoadKeys(_ context.Context, key SessionKey) (*Keys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.resolve(key)
	if err != nil {
		return nil, err
	}
	data, ok := m.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return unmarshalKeys(data)
}

func (m *MemorySerializer) SaveKeys(_ context.Context, key SessionKey, keys *Keys) error {
	if key.UUID == uuid.Nil {
		return ErrNoKey
	}
	data, err := keys.marshal()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.UUID] = data
	return nil
}

func (m *MemorySerializer) LoadStore(_ context.Context, key SessionKey) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.resolve(key)
	if err != nil {
		return nil, err
	}
	data, ok := m.stores[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return unmarshalStore(data)
}

func (m *MemorySerializer) SaveStore(_ context.Context, st *Store) error {
	data, err := st.marshal()
	if err != nil {
		return err
	}
	key := st.Key()
	st.mu.RLock()
	aliases := append([]string(nil), st.Aliases...)
	st.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[key.UUID] = data
	m.meta[key.UUID] = key
	m.alias[key.UUID] = aliases
	return nil
}

func (m *MemorySerializer) Delete(_ context.Context, key SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.resolve(key)
	if err != nil {
		return err
	}
	_, hasStore := m.stores[id]
	_, hasKeys := m.keys[id]
	if !hasStore && !hasKeys {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(m.stores, id)
	delete(m.keys, id)
	delete(m.meta, id)
	delete(m.alias, id)
	return nil
}

func (m *MemorySerializer) List(_ context.Context, clientType ClientType) ([]SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []SessionKey
	for _, meta := range m.meta {
		if meta.ClientType == clientType {
			keys = append(keys, meta)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].UUID.String() < keys[j].UUID.String() })
	return keys, nil
}
