package vault

import "sync"

// lockTable hands out one mutex per key. Entries are dropped once the last
// holder releases, so the table stays bounded by in-flight keys.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*tableLock
}

type tableLock struct {
	sync.Mutex
	refs int
}

func (t *lockTable) lock(key string) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*tableLock)
	}
	l := t.locks[key]
	if l == nil {
		l = &tableLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
}

func (t *lockTable) unlock(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.locks[key]
	if l == nil {
		return
	}
	l.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}
