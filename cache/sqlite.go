package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// keysPageSize is the number of keys read per query when enumerating a store.
const keysPageSize = 256

// SQLiteProvider stores all stores in a single sqlite table keyed by (store, key).
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens (and if needed creates) the cache db with the given filename.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (SQLiteProvider, error) {
	memory := false
	if filename == "" || filename == "memory" {
		filename = "file::memory:?cache=shared"
		memory = true
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteProvider{}, storeErr("open", filename, "", err)
	}
	if memory || strings.Contains(filename, ":memory:") {
		// every connection would otherwise see its own db
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			status INTEGER,
			headers TEXT,
			body BLOB,
			PRIMARY KEY (store, key)
		)`,
		"CREATE INDEX IF NOT EXISTS stored_at_idx ON entries (stored_at)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteProvider{}, storeErr("init", filename, "", err)
		}
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteProvider) Open(name string) (Store, error) {
	return sqliteStore{name: name, p: s}, nil
}

func (s SQLiteProvider) DeleteStore(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.Exec("DELETE FROM entries WHERE store = ?", name)
	if err != nil {
		return false, storeErr("delete store", name, "", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("delete store", name, "", err)
	}
	return rows > 0, nil
}

func (s SQLiteProvider) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT store FROM entries ORDER BY store")
	if err != nil {
		return nil, storeErr("list stores", "", "", err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, storeErr("list stores", "", "", err)
		}
		names = append(names, name)
	}
	return names, storeErr("list stores", "", "", rows.Err())
}

func (s SQLiteProvider) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	name string
	p    SQLiteProvider
}

func (s sqliteStore) Name() string {
	return s.name
}

func (s sqliteStore) Get(key string) (Entry, bool, error) {
	var (
		storedAt int64
		status   int
		headers  string
		body     []byte
	)
	err := s.p.db.QueryRow(
		"SELECT stored_at, status, headers, body FROM entries WHERE store = ? AND key = ?",
		s.name, key,
	).Scan(&storedAt, &status, &headers, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, storeErr("get", s.name, key, err)
	}
	entry := Entry{
		Key:        key,
		Store:      s.name,
		StatusCode: status,
		Body:       body,
	}
	if storedAt != 0 {
		entry.StoredAt = time.Unix(0, storedAt)
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &entry.Headers); err != nil {
			return Entry{}, false, storeErr("get", s.name, key, err)
		}
	}
	return entry, true, nil
}

func (s sqliteStore) Put(key string, entry Entry) error {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return storeErr("put", s.name, key, err)
	}
	var storedAt int64
	if !entry.StoredAt.IsZero() {
		storedAt = entry.StoredAt.UnixNano()
	}
	s.p.writeMutex.Lock()
	defer s.p.writeMutex.Unlock()
	_, err = s.p.db.Exec(`INSERT OR REPLACE INTO entries
		(store, key, stored_at, status, headers, body) VALUES (?, ?, ?, ?, ?, ?)`,
		s.name, key, storedAt, entry.StatusCode, string(headers), entry.Body)
	return storeErr("put", s.name, key, err)
}

func (s sqliteStore) Delete(key string) (bool, error) {
	s.p.writeMutex.Lock()
	defer s.p.writeMutex.Unlock()
	result, err := s.p.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", s.name, key)
	if err != nil {
		return false, storeErr("delete", s.name, key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("delete", s.name, key, err)
	}
	return rows > 0, nil
}

func (s sqliteStore) Keys(cb func(key string) bool) error {
	after := ""
	for {
		keys, err := s.keysPage(after)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if !cb(key) {
				return nil
			}
		}
		if len(keys) < keysPageSize {
			return nil
		}
		after = keys[len(keys)-1]
	}
}

// keysPage reads the next page of keys ordered after the given key.
// The rows are closed before returning so that callers may write while enumerating.
func (s sqliteStore) keysPage(after string) ([]string, error) {
	rows, err := s.p.db.Query(
		"SELECT key FROM entries WHERE store = ? AND key > ? ORDER BY key LIMIT ?",
		s.name, after, keysPageSize,
	)
	if err != nil {
		return nil, storeErr("keys", s.name, "", err)
	}
	defer rows.Close()
	keys := make([]string, 0, keysPageSize)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storeErr("keys", s.name, "", err)
		}
		keys = append(keys, key)
	}
	return keys, storeErr("keys", s.name, "", rows.Err())
}
