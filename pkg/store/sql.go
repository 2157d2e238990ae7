package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLSerializer persists sessions in a sqlite database.
type SQLSerializer struct {
	db *sql.DB
}

// NewSQLSerializer opens (or creates) the database at path.
func NewSQLSerializer(path string) (*SQLSerializer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLSerializer{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSerializer) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		uuid TEXT PRIMARY KEY,
		client_type TEXT NOT NULL,
		phone TEXT,
		store BLOB,
		keys BLOB,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS session_aliases (
		client_type TEXT NOT NULL,
		alias TEXT NOT NULL,
		uuid TEXT NOT NULL,
		PRIMARY KEY (client_type, alias)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_phone ON sessions(client_type, phone);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLSerializer) Close() error {
	return s.db.Close()
}

// resolve maps a key to the session uuid.
func (s *SQLSerializer) resolve(ctx context.Context, key SessionKey) (string, error) {
	if !key.valid() {
		return "", ErrNoKey
	}
	if key.UUID != uuid.Nil {
		return key.UUID.String(), nil
	}
	var (
		id  string
		err error
	)
	if key.Phone != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT uuid FROM sessions WHERE client_type = ? AND phone = ? ORDER BY updated_at DESC LIMIT 1`,
			string(key.ClientType), key.Phone).Scan(&id)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT uuid FROM session_aliases WHERE client_type = ? AND alias = ?`,
			string(key.ClientType), key.Alias).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return id, err
}

func (s *SQLSerializer) loadColumn(ctx context.Context, key SessionKey, column string) ([]byte, error) {
	id, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT `+column+` FROM sessions WHERE uuid = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(data) == 0) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", column, err)
	}
	return data, nil
}

func (s *SQLSerializer) LoadKeys(ctx context.Context, key SessionKey) (*Keys, error) {
	data, err := s.loadColumn(ctx, key, "keys")
	if err != nil {
		return nil, err
	}
	return unmarshalKeys(data)
}

func (s *SQLSerializer) SaveKeys(ctx context.Context, key SessionKey, keys *Keys) error {
	if key.UUID == uuid.Nil {
		return ErrNoKey
	}
	data, err := keys.marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (uuid, client_type, phone, keys) VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET keys = excluded.keys, updated_at = strftime('%s', 'now')`,
		key.UUID.String(), string(key.ClientType), key.Phone, data)
	if err != nil {
		return fmt.Errorf("failed to save keys: %w", err)
	}
	return nil
}

func (s *SQLSerializer) LoadStore(ctx context.Context, key SessionKey) (*Store, error) {
	data, err := s.loadColumn(ctx, key, "store")
	if err != nil {
		return nil, err
	}
	return unmarshalStore(data)
}

func (s *SQLSerializer) SaveStore(ctx context.Context, st *Store) error {
	data, err := st.marshal()
	if err != nil {
		return err
	}
	key := st.Key()
	st.mu.RLock()
	aliases := append([]string(nil), st.Aliases...)
	st.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (uuid, client_type, phone, store) VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			client_type = excluded.client_type,
			phone = excluded.phone,
			store = excluded.store,
			updated_at = strftime('%s', 'now')`,
		key.UUID.String(), string(key.ClientType), key.Phone, data)
	if err != nil {
		return fmt.Errorf("failed to save store: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_aliases WHERE uuid = ?`, key.UUID.String()); err != nil {
		return fmt.Errorf("failed to clear aliases: %w", err)
	}
	for _, alias := range aliases {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO session_aliases (client_type, alias, uuid) VALUES (?, ?, ?)`,
			string(key.ClientType), alias, key.UUID.String())
		if err != nil {
			return fmt.Errorf("failed to save alias %q: %w", alias, err)
		}
	}
	return tx.Commit()
}

func (s *SQLSerializer) Delete(ctx context.Context, key SessionKey) error {
	id, err := s.resolve(ctx, key)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_aliases WHERE uuid = ?`, id); err != nil {
		return fmt.Errorf("failed to delete aliases: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE uuid = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return tx.Commit()
}

func (s *SQLSerializer) List(ctx context.Context, clientType ClientType) ([]SessionKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, COALESCE(phone, '') FROM sessions WHERE client_type = ? ORDER BY updated_at DESC, uuid`,
		string(clientType))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var keys []SessionKey
	for rows.Next() {
		var id, phone string
		if err := rows.Scan(&id, &phone); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: session uuid %q", ErrCorrupt, id)
		}
		keys = append(keys, SessionKey{ClientType: clientType, UUID: parsed, Phone: phone})
	}
	return keys, rows.Err()
}
