package syncdb

import "sync"

// RecordLocks serializes all sync-engine mutation of a given record.
//
// The change tracker, the push worker's post-success cleanup, and the pull
// worker's apply/conflict paths all take the record's lock before touching
// its meta, queue, or conflict rows, so a concurrent local edit and an
// in-flight pull cannot interleave into a torn state. Different records
// proceed fully in parallel.
type RecordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// NewRecordLocks returns an empty lock table.
func NewRecordLocks() *RecordLocks {
	return &RecordLocks{locks: make(map[string]*recordLock)}
}

// Lock acquires the lock for (table, recordID) and returns the unlock
// function. Lock entries are reference-counted and removed when unused so
// the table does not grow with the number of records ever touched.
func (l *RecordLocks) Lock(table, recordID string) func() {
	key := table + "\x00" + recordID

	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &recordLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()

	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
