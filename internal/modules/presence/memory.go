// README: In-memory presence store used when Redis is not configured and in tests.
package presence

import (
	"context"
	"sort"
	"sync"

	"vtc/internal/modules/geo"
	"vtc/internal/types"
)

type dailyCounter struct {
	orders   int64
	earnings int64
}

type MemoryStore struct {
	mu        sync.Mutex
	drivers   map[types.ID]*DriverStatus
	customers map[types.ID]*CustomerStatus
	daily     map[string]*dailyCounter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:   make(map[types.ID]*DriverStatus),
		customers: make(map[types.ID]*CustomerStatus),
		daily:     make(map[string]*dailyCounter),
	}
}

func (m *MemoryStore) GetDriver(_ context.Context, id types.ID, day string) (*DriverStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshotLocked(d, day), nil
}

func (m *MemoryStore) SetDriverState(_ context.Context, id types.ID, expect DriverState, next stateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	cur := StateOffline
	if ok {
		cur = d.Status
	}
	if cur != expect {
		return ErrConflict
	}
	if !ok {
		d = &DriverStatus{DriverID: id}
		m.drivers[id] = d
	}
	d.Status = next.Status
	d.SessionStartedAt = next.SessionStartedAt
	d.CurrentOrderID = next.CurrentOrderID
	d.VehicleType = next.VehicleType
	d.ChannelHandle = next.ChannelHandle
	return nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id types.ID, upd LocationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		d = &DriverStatus{DriverID: id, Status: StateOffline}
		m.drivers[id] = d
	}
	if !upd.At.After(d.LastLocationUpdate) {
		return ErrStaleUpdate
	}
	d.Position = upd.Position
	d.SpeedKmh = upd.SpeedKmh
	d.HeadingDeg = upd.HeadingDeg
	d.AccuracyM = upd.AccuracyM
	d.LastLocationUpdate = upd.At
	return nil
}

func (m *MemoryStore) NearbyDrivers(_ context.Context, center types.Point, radiusKm float64, day string) ([]DriverStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type hit struct {
		d    *DriverStatus
		dist float64
	}
	var hits []hit
	for _, d := range m.drivers {
		if d.Status != StateOnline || !d.HasLocation() {
			continue
		}
		dist, err := geo.DistanceKm(center, d.Position)
		if err != nil {
			return nil, err
		}
		if dist <= radiusKm {
			hits = append(hits, hit{d: d, dist: dist})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	out := make([]DriverStatus, 0, len(hits))
	for _, h := range hits {
		out = append(out, *m.snapshotLocked(h.d, day))
	}
	return out, nil
}

func (m *MemoryStore) IncrDaily(_ context.Context, id types.ID, day string, orders, earnings int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(id) + "|" + day
	c, ok := m.daily[key]
	if !ok {
		c = &dailyCounter{}
		m.daily[key] = c
	}
	c.orders += orders
	c.earnings += earnings
	return nil
}

func (m *MemoryStore) GetCustomer(_ context.Context, id types.ID) (*CustomerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SetCustomerOrder(_ context.Context, id, orderID types.ID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.customerLocked(id)
	c.CurrentOrderID = orderID
	if handle != "" {
		c.ChannelHandle = handle
	}
	return nil
}

func (m *MemoryStore) UpdateCustomerLocation(_ context.Context, id types.ID, upd LocationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.customerLocked(id)
	if !upd.At.After(c.LastLocationUpdate) {
		return ErrStaleUpdate
	}
	c.Position = upd.Position
	c.LastLocationUpdate = upd.At
	return nil
}

func (m *MemoryStore) customerLocked(id types.ID) *CustomerStatus {
	c, ok := m.customers[id]
	if !ok {
		c = &CustomerStatus{CustomerID: id}
		m.customers[id] = c
	}
	return c
}

func (m *MemoryStore) snapshotLocked(d *DriverStatus, day string) *DriverStatus {
	cp := *d
	if c, ok := m.daily[string(d.DriverID)+"|"+day]; ok {
		cp.TodayOrders = c.orders
		cp.TodayEarnings = c.earnings
	}
	return &cp
}
