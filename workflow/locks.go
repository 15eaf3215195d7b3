package workflow

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Locks is a set of named mutexes, created on demand. Detection and suggestion passes
// check Held to leave alone trains an in-flight decision is working on.
type Locks struct {
	lock    sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu sync.Mutex
	// refs counts the holder and waiters; the entry is dropped when it reaches zero.
	refs int
	held bool
}

func NewLocks() *Locks {
	return &Locks{entries: map[string]*entry{}}
}

// Acquire locks every named lock, in sorted order so that overlapping callers cannot
// deadlock, and returns a func releasing them. Duplicates and empty names are ignored.
func (l *Locks) Acquire(names ...string) (release func()) {
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)
	if len(names) > 0 && names[0] == "" {
		names = names[1:]
	}
	acquired := make([]*entry, 0, len(names))
	for _, name := range names {
		l.lock.Lock()
		e, ok := l.entries[name]
		if !ok {
			e = &entry{}
			l.entries[name] = e
		}
		e.refs++
		l.lock.Unlock()

		e.mu.Lock()
		l.lock.Lock()
		e.held = true
		l.lock.Unlock()
		acquired = append(acquired, e)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(acquired) - 1; i >= 0; i-- {
				e := acquired[i]
				l.lock.Lock()
				e.held = false
				e.refs--
				if e.refs == 0 {
					delete(l.entries, names[i])
				}
				l.lock.Unlock()
				e.mu.Unlock()
			}
		})
	}
}

// Held reports whether name is currently locked.
func (l *Locks) Held(name string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	e, ok := l.entries[name]
	return ok && e.held
}
