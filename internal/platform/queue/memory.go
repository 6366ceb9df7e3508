package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	readyAt      time.Time
	seq          uint64
	task         Task
	redeliveries int
}

type memoryHeap []*memoryItem

func (h memoryHeap) Len() int { return len(h) }
func (h memoryHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h memoryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *memoryHeap) Push(x any)   { *h = append(*h, x.(*memoryItem)) }
func (h *memoryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Memory is a process-local queue ordered by ready time. Tasks do not
// survive a restart; use it for development and tests.
type Memory struct {
	mu              sync.Mutex
	items           memoryHeap
	seq             uint64
	wake            chan struct{}
	closed          bool
	redeliveryDelay time.Duration
}

func NewMemory(redeliveryDelay time.Duration) *Memory {
	return &Memory{
		wake:            make(chan struct{}),
		redeliveryDelay: redeliveryDelay,
	}
}

func (m *Memory) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	return m.push(task, time.Now().Add(delay), 0)
}

func (m *Memory) push(task Task, readyAt time.Time, redeliveries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.seq++
	heap.Push(&m.items, &memoryItem{readyAt: readyAt, seq: m.seq, task: task, redeliveries: redeliveries})
	m.broadcastLocked()
	return nil
}

func (m *Memory) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// next blocks until a task is ready, ctx is done or the queue closes.
func (m *Memory) next(ctx context.Context) (*memoryItem, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		wake := m.wake
		wait := time.Duration(-1)
		if len(m.items) > 0 {
			wait = time.Until(m.items[0].readyAt)
			if wait <= 0 {
				item := heap.Pop(&m.items).(*memoryItem)
				m.mu.Unlock()
				return item, nil
			}
		}
		m.mu.Unlock()

		var (
			timer   *time.Timer
			timerCh <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerCh = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		item, err := m.next(ctx)
		if err != nil {
			if ctx.Err() != nil || err == ErrClosed {
				return nil
			}
			return err
		}

		d := Delivery{Task: item.task, Redeliveries: item.redeliveries}
		if err := handler(ctx, d); err != nil {
			if perr := m.push(item.task, time.Now().Add(m.redeliveryDelay), item.redeliveries+1); perr != nil {
				return perr
			}
		}
	}
}

// Len reports queued tasks, ready or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcastLocked()
	}
	return nil
}
