package triage

import (
	"context"
	"time"
)

// Store is the persistence interface for triage sessions. Implementations
// must hand out copies: mutating a returned Session never changes what is
// stored until Put.
type Store interface {
	Get(ctx context.Context, id string) (*Session, bool, error)
	Put(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, id string) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionLocker is implemented by stores shared between processes. The
// service holds the lock for the whole request, on top of its in-process
// KeyLock, so replicas never advance the same session concurrently.
type SessionLocker interface {
	LockSession(ctx context.Context, id string) (unlock func(), err error)
}

// Notifier is told about sessions that ended in an escalation.
type Notifier interface {
	Send(ctx context.Context, sess *Session) error
}
