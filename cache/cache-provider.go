package cache

import (
	"errors"
	"fmt"
	"time"
)

// Provider is the persistent key/value backend behind the cache stores.
// It owns any number of named, independent stores.
// A store exists once something has been written to it.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns a handle to the named store.
	// Opening does not create the store; the first Put does.
	Open(name string) (Store, error)
	// DeleteStore removes the named store with all of its entries.
	// It reports whether the store existed.
	DeleteStore(name string) (bool, error)
	// Stores returns the names of all stores currently holding entries.
	Stores() ([]string, error)
	// Close releases the backend.
	Close() error
}

// Store is a handle to a single named store.
type Store interface {
	// Name returns the store name the handle was opened with.
	Name() string
	// Get returns the entry stored under key, if it exists.
	Get(key string) (Entry, bool, error)
	// Put stores the entry under the given key, replacing any previous entry as a whole.
	Put(key string, entry Entry) error
	// Delete removes the entry stored under key.
	// It reports whether an entry was removed.
	Delete(key string) (bool, error)
	// Keys calls cb for each key in the store until cb returns false.
	// It calls the callback in order to enable very large stores to be
	// processed (provider implementation might use paging, for instance).
	// Every call starts a new enumeration.
	Keys(cb func(key string) bool) error
}

// Entry is a stored response.
// Entries are never mutated once written: updates replace them.
type Entry struct {
	Key        string
	StoredAt   time.Time
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Store      string
}

// StoreError is returned when the backend fails to read or write.
// Callers are expected to surface it, stores never retry.
type StoreError struct {
	Op    string
	Store string
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache: %s %s/%s: %v", e.Op, e.Store, e.Key, e.Err)
	}
	return fmt.Sprintf("cache: %s %s: %v", e.Op, e.Store, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreFailure reports whether err was caused by a store backend failure.
func IsStoreFailure(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func storeErr(op, store, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Store: store, Key: key, Err: err}
}
