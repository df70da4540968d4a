package moonchat

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Well-known store keys. Each key holds one whole JSON value; writes
// are always full-value overwrites, never partial.
const (
	keyCurrentUser      = "currentUser"
	keyFriends          = "friendsList"
	keyIncomingRequests = "receivedFriendRequests"
	keyOutgoingRequests = "pendingFriendRequests"
	keyHistoryPrefix    = "messageHistory:"
)

// Store is a key-scoped durable mapping from string keys to
// JSON-serializable values. Get reports false when the key is absent
// or the stored value cannot be decoded; a corrupt entry is treated
// as empty state, never propagated.
type Store interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
	Delete(key string) error
	Clear() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store, used in tests and
// for throwaway sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	logger *zap.Logger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		logger: zap.NewNop(),
	}
}

func (s *MemoryStore) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	data, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := wire.Unmarshal(data, v); err != nil {
		s.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Put(key string, v any) error {
	data, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.values = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

// ============================================================================
// SQLiteStore
// ============================================================================

// SQLiteStore is a durable Store backed by a single key/value table.
type SQLiteStore struct {
	conn   *sql.DB
	logger *zap.Logger
}

// OpenSQLiteStore opens (and if needed creates) the backing database.
func OpenSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to init store schema: %w", err)
	}
	return &SQLiteStore{conn: conn, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) Get(key string, v any) (bool, error) {
	var data []byte
	err := s.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if err := wire.Unmarshal(data, v); err != nil {
		s.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) Put(key string, v any) error {
	data, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	_, err = s.conn.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.conn.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Clear() error {
	if _, err := s.conn.Exec(`DELETE FROM kv`); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}
