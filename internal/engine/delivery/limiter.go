package delivery

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hookrelay/internal/platform/metrics"
)

// TargetLimiter caps concurrent outbound requests per target host.
type TargetLimiter struct {
	limit int64
	store sync.Map // map[host]*targetSlot
	idle  time.Duration
	stop  chan struct{}
	once  sync.Once
}

type targetSlot struct {
	sem        *semaphore.Weighted
	mu         sync.Mutex
	inFlight   int64
	lastAccess time.Time
}

// NewTargetLimiter returns a limiter allowing limit concurrent requests per
// host. A limit of zero or less disables limiting.
func NewTargetLimiter(limit int) *TargetLimiter {
	l := &TargetLimiter{
		limit: int64(limit),
		idle:  10 * time.Minute,
		stop:  make(chan struct{}),
	}
	if l.limit > 0 {
		go l.cleanupLoop()
	}
	return l
}

func (l *TargetLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *TargetLimiter) sweep(now time.Time) {
	l.store.Range(func(key, value interface{}) bool {
		slot := value.(*targetSlot)
		slot.mu.Lock()
		if slot.inFlight == 0 && now.Sub(slot.lastAccess) > l.idle {
			l.store.Delete(key)
		}
		slot.mu.Unlock()
		return true
	})
}

// Acquire blocks until a slot for target's host is free and returns the
// release func.
func (l *TargetLimiter) Acquire(ctx context.Context, target string) (func(), error) {
	if l == nil || l.limit <= 0 {
		return func() {}, nil
	}

	key := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		key = u.Host
	}

	val, _ := l.store.LoadOrStore(key, &targetSlot{
		sem:        semaphore.NewWeighted(l.limit),
		lastAccess: time.Now(),
	})
	slot := val.(*targetSlot)

	slot.mu.Lock()
	slot.inFlight++
	slot.lastAccess = time.Now()
	slot.mu.Unlock()

	start := time.Now()
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		slot.mu.Lock()
		slot.inFlight--
		slot.mu.Unlock()
		return nil, err
	}
	metrics.TargetWaitDuration.Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			slot.mu.Lock()
			slot.inFlight--
			slot.lastAccess = time.Now()
			slot.mu.Unlock()
		})
	}, nil
}

func (l *TargetLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}
