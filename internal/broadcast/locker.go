package broadcast

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Locker serializes pipelines per funding account. Share one Locker between
// every Supervisor that may spend from the same account.
type Locker struct {
	mu    sync.Mutex
	slots map[common.Address]chan struct{}
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{slots: make(map[common.Address]chan struct{})}
}

// Lock blocks until addr is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, addr common.Address) (unlock func(), err error) {
	l.mu.Lock()
	slot, ok := l.slots[addr]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[addr] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
