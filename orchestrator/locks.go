package orchestrator

import "sync"

// keyLocks is a registry of per-track mutexes so unrelated tracks never
// serialize against each other. Entries are refcounted and pruned at
// unlock once no holder or waiter remains.
type keyLocks struct {
	mux     sync.Mutex
	entries map[string]*keyLockEntry
}

type keyLockEntry struct {
	mux  sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{ //nolint:exhaustruct
		entries: make(map[string]*keyLockEntry),
	}
}

// Lock blocks until the key's mutex is held and returns the matching
// unlock. Unlock must be called exactly once.
func (l *keyLocks) Lock(key string) (unlock func()) {
	l.mux.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &keyLockEntry{} //nolint:exhaustruct
		l.entries[key] = entry
	}
	entry.refs++
	l.mux.Unlock()

	entry.mux.Lock()

	return func() {
		entry.mux.Unlock()

		l.mux.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, key)
		}
		l.mux.Unlock()
	}
}
