package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
)

const (
	storeFile = "store.json"
	keysFile  = "keys.json"
)

// FileSerializer persists each session as JSON files under
// <root>/<client type>/<uuid>/.
type FileSerializer struct {
	root string
}

// DefaultDataDir returns ~/.cobalt.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cobalt"
	}
	return filepath.Join(home, ".cobalt")
}

// NewFileSerializer creates the storage directory if it doesn't exist.
func NewFileSerializer(root string) (*FileSerializer, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileSerializer{root: root}, nil
}

func (s *FileSerializer) sessionDir(clientType ClientType, id uuid.UUID) string {
	return filepath.Join(s.root, string(clientType), id.String())
}

// resolve finds the session directory for key. Phone and alias lookups scan
// the stores of the client type.
func (s *FileSerializer) resolve(ctx context.Context, key SessionKey) (string, error) {
	if !key.valid() {
		return "", ErrNoKey
	}
	if key.UUID != uuid.Nil {
		return s.sessionDir(key.ClientType, key.UUID), nil
	}
	stores, err := s.stores(ctx, key.ClientType)
	if err != nil {
		return "", err
	}
	for _, st := range stores {
		if (key.Phone != "" && st.PhoneNumber == key.Phone) ||
			(key.Phone == "" && slices.Contains(st.Aliases, key.Alias)) {
			return s.sessionDir(key.ClientType, st.UUID), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *FileSerializer) stores(ctx context.Context, clientType ClientType) ([]*Store, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(clientType)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []*Store
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, string(clientType), entry.Name(), storeFile))
		if err != nil {
			// Keys may be written before the store.
			continue
		}
		st, err := unmarshalStore(data)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *FileSerializer) read(ctx context.Context, key SessionKey, name string) ([]byte, error) {
	dir, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// write replaces a file atomically.
func (s *FileSerializer) write(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

func (s *FileSerializer) LoadKeys(ctx context.Context, key SessionKey) (*Keys, error) {
	data, err := s.read(ctx, key, keysFile)
	if err != nil {
		return nil, err
	}
	return unmarshalKeys(data)
}

func (s *FileSerializer) SaveKeys(_ context.Context, key SessionKey, keys *Keys) error {
	if key.UUID == uuid.Nil {
		return ErrNoKey
	}
	data, err := keys.marshal()
	if err != nil {
		return err
	}
	return s.write(s.sessionDir(key.ClientType, key.UUID), keysFile, data)
}

func (s *FileSerializer) LoadStore(ctx context.Context, key SessionKey) (*Store, error) {
	data, err := s.read(ctx, key, storeFile)
	if err != nil {
		return nil, err
	}
	return unmarshalStore(data)
}

func (s *FileSerializer) SaveStore(_ context.Context, st *Store) error {
	data, err := st.marshal()
	if err != nil {
		return err
	}
	key := st.Key()
	return s.write(s.sessionDir(key.ClientType, key.UUID), storeFile, data)
}

func (s *FileSerializer) Delete(ctx context.Context, key SessionKey) error {
	dir, err := s.resolve(ctx, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (s *FileSerializer) List(ctx context.Context, clientType ClientType) ([]SessionKey, error) {
	stores, err := s.stores(ctx, clientType)
	if err != nil {
		return nil, err
	}
	keys := make([]SessionKey, 0, len(stores))
	for _, st := range stores {
		keys = append(keys, st.Key())
	}
	return keys, nil
}
