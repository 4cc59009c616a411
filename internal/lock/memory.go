package lock

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	token   int64
	expires time.Time
}

// MemoryBackend is an in-process Backend for tests and single-node runs.
// Its fence counters are lost on restart, so tokens are floored at the
// acquisition time in microseconds to stay above tokens already stored by
// an earlier process.
type MemoryBackend struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryLease
	fences map[string]int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:    time.Now,
		leases: make(map[string]memoryLease),
		fences: make(map[string]int64),
	}
}

// WithClock replaces the time source.
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.now = now
	return b
}

func (b *MemoryBackend) TryAcquire(_ context.Context, key string, ttl time.Duration) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if l, ok := b.leases[key]; ok && now.Before(l.expires) {
		return Handle{}, ErrHeld
	}
	token := b.fences[key] + 1
	if floor := fenceFloor(now); token < floor {
		token = floor
	}
	b.fences[key] = token
	b.leases[key] = memoryLease{token: token, expires: now.Add(ttl)}
	return Handle{ResourceKey: key, FencingToken: token, AcquiredAt: now, TTL: ttl}, nil
}

// fenceFloor is the lowest token a fresh acquisition may carry. It is kept
// in microseconds so it stays exact in Redis Lua numbers.
func fenceFloor(now time.Time) int64 {
	return now.UnixMicro()
}

func (b *MemoryBackend) Renew(_ context.Context, h Handle) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	l, ok := b.leases[h.ResourceKey]
	if !ok || l.token != h.FencingToken || !now.Before(l.expires) {
		return Handle{}, ErrLeaseLost
	}
	b.leases[h.ResourceKey] = memoryLease{token: l.token, expires: now.Add(h.TTL)}
	h.AcquiredAt = now
	return h, nil
}

func (b *MemoryBackend) Release(_ context.Context, h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.leases[h.ResourceKey]; ok && l.token == h.FencingToken {
		delete(b.leases, h.ResourceKey)
	}
	return nil
}

func (b *MemoryBackend) Holds(_ context.Context, h Handle) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leases[h.ResourceKey]
	return ok && l.token == h.FencingToken && b.now().Before(l.expires), nil
}
