package outbox

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by the memory storage driver and tests.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	events []Event
	leases map[int64]time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: make(map[int64]time.Time)}
}

// Append enqueues an event as pending.
func (m *Memory) Append(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	ev.Status = StatusPending
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, ev)
}

// Events returns a copy of every stored event.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func (m *Memory) LockBatch(_ context.Context, _ string, batchSize int, lease time.Duration) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []Event
	for i := range m.events {
		if len(out) >= batchSize {
			break
		}
		ev := &m.events[i]
		expired := ev.Status == StatusInProgress && now.After(m.leases[ev.ID])
		if ev.Status != StatusPending && !expired {
			continue
		}
		ev.Status = StatusInProgress
		m.leases[ev.ID] = now.Add(lease)
		out = append(out, *ev)
	}
	return out, nil
}

func (m *Memory) MarkSent(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(ids, func(ev *Event) { ev.Status = StatusSent })
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id int64, errMsg string, maxRetries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set([]int64{id}, func(ev *Event) {
		ev.RetryCount++
		msg := errMsg
		ev.LastError = &msg
		ev.Status = StatusPending
		if ev.RetryCount >= maxRetries {
			ev.Status = StatusFailed
		}
	})
	return nil
}

func (m *Memory) set(ids []int64, fn func(*Event)) {
	for _, id := range ids {
		for i := range m.events {
			if m.events[i].ID == id {
				fn(&m.events[i])
				delete(m.leases, id)
			}
		}
	}
}
