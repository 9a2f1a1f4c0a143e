package cache

import (
	"sort"
	"sync"
)

// MemProvider keeps all stores in memory.
// It is mostly useful for tests and for running without a db file.
type MemProvider struct {
	mutex  *sync.RWMutex
	stores map[string]map[string]Entry
}

func NewMemProvider() MemProvider {
	return MemProvider{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]map[string]Entry),
	}
}

func (m MemProvider) Open(name string) (Store, error) {
	return memStore{name: name, p: m}, nil
}

func (m MemProvider) DeleteStore(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m MemProvider) Stores() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemProvider) Close() error {
	return nil
}

type memStore struct {
	name string
	p    MemProvider
}

func (s memStore) Name() string {
	return s.name
}

func (s memStore) Get(key string) (Entry, bool, error) {
	s.p.mutex.RLock()
	defer s.p.mutex.RUnlock()
	entry, ok := s.p.stores[s.name][key]
	return entry, ok, nil
}

func (s memStore) Put(key string, entry Entry) error {
	s.p.mutex.Lock()
	defer s.p.mutex.Unlock()
	entries, ok := s.p.stores[s.name]
	if !ok {
		entries = make(map[string]Entry)
		s.p.stores[s.name] = entries
	}
	entry.Key = key
	entry.Store = s.name
	entry.Headers = copyHeaders(entry.Headers)
	entry.Body = append([]byte(nil), entry.Body...)
	entries[key] = entry
	return nil
}

func (s memStore) Delete(key string) (bool, error) {
	s.p.mutex.Lock()
	defer s.p.mutex.Unlock()
	entries, ok := s.p.stores[s.name]
	if !ok {
		return false, nil
	}
	_, ok = entries[key]
	delete(entries, key)
	// a store only exists while it holds entries
	if len(entries) == 0 {
		delete(s.p.stores, s.name)
	}
	return ok, nil
}

func (s memStore) Keys(cb func(key string) bool) error {
	// snapshot so that cb may modify the store
	s.p.mutex.RLock()
	keys := make([]string, 0, len(s.p.stores[s.name]))
	for key := range s.p.stores[s.name] {
		keys = append(keys, key)
	}
	s.p.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		if !cb(key) {
			return nil
		}
	}
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	c := make(map[string]string, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}
