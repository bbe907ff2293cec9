package bus

import (
	"context"
	"sync"
)

// Local delivers in-process. It is the single-instance bus.
type Local struct {
	mu sync.RWMutex
	d  Deliverer
}

func NewLocal() *Local { return &Local{} }

var _ Bus = (*Local)(nil)

func (l *Local) Attach(d Deliverer) error {
	l.mu.Lock()
	l.d = d
	l.mu.Unlock()
	return nil
}

func (l *Local) ToUser(_ context.Context, user string, frame []byte) error {
	l.mu.RLock()
	d := l.d
	l.mu.RUnlock()
	if d != nil {
		d.DeliverUser(user, frame)
	}
	return nil
}

func (l *Local) ToAll(_ context.Context, frame []byte) error {
	l.mu.RLock()
	d := l.d
	l.mu.RUnlock()
	if d != nil {
		d.DeliverAll(frame)
	}
	return nil
}

func (l *Local) Close() error { return nil }
