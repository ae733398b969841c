// README: In-memory order store; transactions are serialized and staged until commit.
package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

// EventSink receives ledger rows staged by a committed memory transaction.
type EventSink interface {
	AppendEvents(ctx context.Context, events []*tracking.Event) error
}

type MemoryStore struct {
	mu      sync.Mutex
	orders  map[types.ID]*Order
	entries map[types.ID][]PoolEntry
	events  EventSink
}

func NewMemoryStore(events EventSink) *MemoryStore {
	return &MemoryStore{
		orders:  make(map[types.ID]*Order),
		entries: make(map[types.ID][]PoolEntry),
		events:  events,
	}
}

// InTx holds the store lock for the whole of fn, which gives every
// transaction serializable isolation.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:   m,
		orders:  make(map[types.ID]*Order),
		entries: make(map[types.ID][]PoolEntry),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, o := range tx.orders {
		m.orders[id] = o
	}
	for id, list := range tx.entries {
		m.entries[id] = list
	}
	if len(tx.events) > 0 && m.events != nil {
		return m.events.AppendEvents(ctx, tx.events)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Entries(_ context.Context, orderID types.ID) ([]PoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEntries(m.entries[orderID]), nil
}

func (m *MemoryStore) ExpiredOffers(_ context.Context, now time.Time, limit int) ([]PoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PoolEntry
	for _, list := range m.entries {
		for i := range list {
			e := &list[i]
			if e.Status == EntryPending && e.TimeoutAt != nil && e.TimeoutAt.Before(now) {
				out = append(out, e.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(*out[j].TimeoutAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DueRetries(_ context.Context, now time.Time, limit int) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Order
	for _, o := range m.orders {
		if o.Status == StatusPending && o.RetryAt != nil && !o.RetryAt.After(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RetryAt.Before(*due[j].RetryAt) })
	var ids []types.ID
	for _, o := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (m *MemoryStore) ActiveByDriver(_ context.Context, driverID types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.HasDriver(driverID) && driverBound(o.Status) {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ActiveByCustomer(_ context.Context, customerID types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.CustomerID == customerID && !o.Terminal() {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

type memTx struct {
	store   *MemoryStore
	orders  map[types.ID]*Order
	entries map[types.ID][]PoolEntry
	events  []*tracking.Event
}

func (t *memTx) order(id types.ID) (*Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.store.orders[id]
	return o, ok
}

func (t *memTx) Get(_ context.Context, id types.ID) (*Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (t *memTx) Lock(ctx context.Context, id types.ID) (*Order, error) {
	return t.Get(ctx, id)
}

func (t *memTx) Insert(_ context.Context, o *Order) error {
	if _, ok := t.order(o.ID); ok {
		return ErrConflict
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) Update(_ context.Context, o *Order) error {
	cur, ok := t.order(o.ID)
	if !ok {
		return ErrNotFound
	}
	if cur.StatusVersion != o.StatusVersion {
		return ErrConflict
	}
	o.StatusVersion++
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) AssignDriver(_ context.Context, o *Order, driverID types.ID, at time.Time) (bool, error) {
	cur, ok := t.order(o.ID)
	if !ok {
		return false, ErrNotFound
	}
	if cur.DriverID != nil || cur.Status != StatusPending {
		return false, nil
	}
	// Same rule as the partial unique index on orders.driver_id.
	if busy, _ := t.HasActiveByDriver(context.Background(), driverID, o.ID); busy {
		return false, ErrActiveOrder
	}
	next := cur.Clone()
	applyAssignment(next, driverID, at)
	t.orders[o.ID] = next
	applyAssignment(o, driverID, at)
	return true, nil
}

func (t *memTx) HasActiveByCustomer(_ context.Context, customerID types.ID) (bool, error) {
	for _, o := range t.allOrders() {
		if o.CustomerID == customerID && !o.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) HasActiveByDriver(_ context.Context, driverID, except types.ID) (bool, error) {
	for _, o := range t.allOrders() {
		if o.ID != except && o.HasDriver(driverID) && driverBound(o.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) allOrders() []*Order {
	out := make([]*Order, 0, len(t.store.orders)+len(t.orders))
	for id, o := range t.store.orders {
		if staged, ok := t.orders[id]; ok {
			o = staged
		}
		out = append(out, o)
	}
	for id, o := range t.orders {
		if _, ok := t.store.orders[id]; !ok {
			out = append(out, o)
		}
	}
	return out
}

func (t *memTx) list(orderID types.ID) []PoolEntry {
	if list, ok := t.entries[orderID]; ok {
		return list
	}
	return t.store.entries[orderID]
}

func (t *memTx) Entries(_ context.Context, orderID types.ID) ([]PoolEntry, error) {
	return cloneEntries(t.list(orderID)), nil
}

func (t *memTx) InsertEntries(_ context.Context, entries []PoolEntry) error {
	for _, e := range entries {
		list := cloneEntries(t.list(e.OrderID))
		for _, existing := range list {
			if existing.DriverID == e.DriverID {
				return ErrConflict
			}
		}
		list = append(list, e.Clone())
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
		t.entries[e.OrderID] = list
	}
	return nil
}

func (t *memTx) UpdateEntry(_ context.Context, e *PoolEntry, expect EntryStatus) (bool, error) {
	list := cloneEntries(t.list(e.OrderID))
	for i := range list {
		if list[i].ID != e.ID {
			continue
		}
		if list[i].Status != expect {
			return false, nil
		}
		list[i] = e.Clone()
		t.entries[e.OrderID] = list
		return true, nil
	}
	return false, nil
}

func (t *memTx) AppendEvent(_ context.Context, e *tracking.Event) error {
	t.events = append(t.events, e)
	return nil
}

func driverBound(s Status) bool {
	return s == StatusAccepted || s == StatusDriverArrived || s == StatusInProgress
}

func cloneEntries(list []PoolEntry) []PoolEntry {
	if list == nil {
		return nil
	}
	out := make([]PoolEntry, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}
