// README: In-memory ledger used when no database is configured and in tests.
package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"vtc/internal/types"
)

type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	events  map[types.ID][]Event
	samples map[types.ID][]Sample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[types.ID][]Event),
		samples: make(map[types.ID][]Sample),
	}
}

// AppendEvent stores e; CreatedAt is bumped past the last event of the same
// order so per-order ordering by created_at stays strict.
func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(e)
	return nil
}

// AppendEvents stores a batch atomically with respect to readers.
func (m *MemoryStore) AppendEvents(_ context.Context, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.appendLocked(e)
	}
	return nil
}

func (m *MemoryStore) appendLocked(e *Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	list := m.events[e.OrderID]
	if n := len(list); n > 0 && !e.CreatedAt.After(list[n-1].CreatedAt) {
		e.CreatedAt = list[n-1].CreatedAt.Add(time.Microsecond)
	}
	m.nextID++
	e.ID = m.nextID
	m.events[e.OrderID] = append(list, cloneEvent(*e))
}

func (m *MemoryStore) Events(_ context.Context, orderID types.ID, since time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events[orderID] {
		if e.CreatedAt.After(since) {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendSample(_ context.Context, smp *Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	smp.ID = m.nextID
	list := append(m.samples[smp.OrderID], *smp)
	sort.SliceStable(list, func(i, j int) bool { return list[i].RecordedAt.Before(list[j].RecordedAt) })
	m.samples[smp.OrderID] = list
	return nil
}

func (m *MemoryStore) LastSample(_ context.Context, orderID types.ID) (*Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.samples[orderID]
	if len(list) == 0 {
		return nil, nil
	}
	last := list[len(list)-1]
	return &last, nil
}

func (m *MemoryStore) Samples(_ context.Context, orderID types.ID) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.samples[orderID]...), nil
}

func cloneEvent(e Event) Event {
	if e.Position != nil {
		p := *e.Position
		e.Position = &p
	}
	if e.Metadata != nil {
		meta := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	return e
}
