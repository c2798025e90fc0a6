package dbase

import "context"

// LocalLock is a trivial dbase.Lock for single-replica deployments where
// no etcd endpoint is configured: it is always immediately acquired and
// never involuntarily lost, since there is no peer to contend with;
// only-the-holder-commits is trivially satisfied with one replica.
type LocalLock struct {
	lost chan struct{}
}

// NewLocalLock creates a LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{lost: make(chan struct{})}
}

// Acquire always succeeds immediately.
func (l *LocalLock) Acquire(ctx context.Context) error { return nil }

// Release is a no-op; a LocalLock is never held by anyone else to hand
// back to.
func (l *LocalLock) Release(ctx context.Context) error { return nil }

// Lost never fires for a single, uncontended replica.
func (l *LocalLock) Lost() <-chan struct{} { return l.lost }
