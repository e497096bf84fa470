// Package lease guarantees that at most one collector runs a cycle for a
// server at a time, within one process (LocalLocker) or across processes
// sharing a Redis instance (RedisLocker).
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix namespaces lease keys
const KeyPrefix = "vigilant:lease:"

// Lease is a held lock. Release is idempotent and only frees the lock while
// it is still owned by this holder.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire returns ok=false without error when the
// key is held by someone else.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// ServerKey returns the lease key of a server
func ServerKey(serverName string) string {
	return KeyPrefix + serverName
}

type localEntry struct {
	token   string
	expires time.Time
}

// LocalLocker keeps leases in memory. Expired leases are taken over on the
// next Acquire.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, held := l.entries[key]; held && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.entries[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, true, nil
}

func (l *LocalLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, held := l.entries[key]; held && e.token == token {
		delete(l.entries, key)
	}
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(ctx context.Context) error {
	l.locker.release(l.key, l.token)
	return nil
}
