package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
)

// Memory is an in-process Queue for development and tests.
type Memory struct {
	mu       sync.Mutex
	pending  [][]byte
	inflight map[*Delivery]struct{}
	notify   chan struct{}
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		inflight: make(map[*Delivery]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

func (m *Memory) Enqueue(_ context.Context, job *model.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encoding job")
	}
	return m.Push(raw)
}

// Push enqueues a raw payload as-is.
func (m *Memory) Push(raw []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.pending = append(m.pending, raw)
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.pending) > 0 {
			raw := m.pending[0]
			m.pending = m.pending[1:]
			d := decode(raw)
			m.inflight[d] = struct{}{}
			more := len(m.pending) > 0
			m.mu.Unlock()
			if more {
				m.wake()
			}
			return d, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, d)
	return nil
}

// Recover puts in-flight deliveries back at the head of the pending queue.
func (m *Memory) Recover(_ context.Context) (int, error) {
	m.mu.Lock()
	n := len(m.inflight)
	recovered := make([][]byte, 0, n)
	for d := range m.inflight {
		recovered = append(recovered, d.Raw)
		delete(m.inflight, d)
	}
	m.pending = append(recovered, m.pending...)
	m.mu.Unlock()
	if n > 0 {
		m.wake()
	}
	return n, nil
}

func (m *Memory) Depth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

// InFlight reports deliveries not yet acknowledged.
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
