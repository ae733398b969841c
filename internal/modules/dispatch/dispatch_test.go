package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtc/internal/config"
	"vtc/internal/maps"
	"vtc/internal/modules/broadcast"
	"vtc/internal/modules/geo"
	"vtc/internal/modules/order"
	"vtc/internal/modules/pool"
	"vtc/internal/modules/presence"
	"vtc/internal/modules/pricing"
	"vtc/internal/modules/tracking"
	"vtc/internal/types"
)

var (
	t0     = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	pickup = types.Point{Lat: 48.8566, Lng: 2.3522}
	dest   = types.Point{Lat: 48.8738, Lng: 2.2950}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sent struct {
	group     string
	eventType string
	payload   any
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []sent
}

func (p *recordingPublisher) Publish(_ context.Context, groupKey, eventType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{group: groupKey, eventType: eventType, payload: payload})
	return nil
}

func (p *recordingPublisher) to(group, eventType string) []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sent
	for _, s := range p.sent {
		if s.group == group && s.eventType == eventType {
			out = append(out, s)
		}
	}
	return out
}

type recordingStream struct {
	mu     sync.Mutex
	events []tracking.Event
}

func (r *recordingStream) Publish(_ context.Context, events []tracking.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingStream) Close() error { return nil }

type harness struct {
	svc      *Service
	orders   *order.MemoryStore
	ledger   *tracking.MemoryStore
	presence *presence.Service
	pub      *recordingPublisher
	stream   *recordingStream
	clock    *clock
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		MaxDriverWaitingTime: 30 * time.Second,
		PoolSize:             5,
		LocationFreshness:    2 * time.Minute,
		SearchRadiusKm:       10,
		OfferConcurrency:     1,
		MaxRetries:           0,
		RetryBackoff:         15 * time.Second,
		SweepInterval:        time.Second,
		SweepBatch:           100,
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, cfg config.DispatchConfig) *harness {
	t.Helper()
	log := quietLogger()
	clk := &clock{now: t0}
	pub := &recordingPublisher{}
	stream := &recordingStream{}
	ledger := tracking.NewMemoryStore()
	orders := order.NewMemoryStore(ledger)
	pres := presence.NewService(presence.NewMemoryStore(), pub, log).WithClock(clk.Now)
	builder := pool.NewBuilder(pres, nil, cfg, log).WithClock(clk.Now)
	prices := pricing.NewService(pricing.DefaultRates("EUR"), config.PricingConfig{
		PricePerWaitingMinute: 50,
		Currency:              "EUR",
		NightStartHour:        22,
		NightEndHour:          6,
	})
	svc := NewService(Deps{
		Orders:    orders,
		Pool:      builder,
		Presence:  pres,
		Tracking:  tracking.NewService(ledger, log),
		Pricing:   prices,
		Routes:    maps.HaversineEstimator{},
		Broadcast: pub,
		Stream:    stream,
	}, cfg, log).WithClock(clk.Now)
	return &harness{svc: svc, orders: orders, ledger: ledger, presence: pres, pub: pub, stream: stream, clock: clk}
}

// north returns a point km kilometres due north of pickup.
func north(km float64) types.Point {
	return types.Point{Lat: pickup.Lat + km/111.195, Lng: pickup.Lng}
}

func straightKm(t *testing.T, a, b types.Point) float64 {
	t.Helper()
	km, err := geo.DistanceKm(a, b)
	require.NoError(t, err)
	return km
}

func (h *harness) online(t *testing.T, id types.ID, km float64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.presence.SetOnline(ctx, id, "standard", "token-"+string(id))
	require.NoError(t, err)
	applied, err := h.presence.UpdateLocation(ctx, id, presence.LocationUpdate{Position: north(km), At: h.clock.Now()})
	require.NoError(t, err)
	require.True(t, applied)
}

func (h *harness) create(t *testing.T, customer types.ID) *order.Order {
	t.Helper()
	o, err := h.svc.Create(context.Background(), CreateCommand{
		CustomerID:  customer,
		Pickup:      pickup,
		Destination: dest,
		VehicleType: "standard",
	})
	require.NoError(t, err)
	return o
}

func (h *harness) entries(t *testing.T, id types.ID) []order.PoolEntry {
	t.Helper()
	entries, err := h.orders.Entries(context.Background(), id)
	require.NoError(t, err)
	return entries
}

func (h *harness) order(t *testing.T, id types.ID) *order.Order {
	t.Helper()
	o, err := h.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) eventTypes(t *testing.T, id types.ID) []tracking.EventType {
	t.Helper()
	events, err := h.ledger.Events(context.Background(), id, time.Time{})
	require.NoError(t, err)
	out := make([]tracking.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func countStatus(entries []order.PoolEntry, st order.EntryStatus) int {
	n := 0
	for _, e := range entries {
		if e.Status == st {
			n++
		}
	}
	return n
}

func TestCreateRanksPoolByDistance(t *testing.T) {
	h := newHarness(t, testConfig())
	h.online(t, "d1", 1.2)
	h.online(t, "d2", 3.4)
	h.online(t, "d3", 0.8)

	o := h.create(t, "c1")
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Nil(t, o.DriverID)
	assert.Equal(t, 1, o.DispatchRound)
	assert.Greater(t, o.EstimatedPrice.Amount, int64(0))
	assert.False(t, o.IsNightFare)

	entries := h.entries(t, o.ID)
	require.Len(t, entries, 3)
	wantDriver := []types.ID{"d3", "d1", "d2"}
	wantKm := []float64{0.8, 1.2, 3.4}
	for i, e := range entries {
		assert.Equal(t, i+1, e.Priority)
		assert.Equal(t, wantDriver[i], e.DriverID)
		assert.InDelta(t, wantKm[i], e.DistanceKm, 0.01)
		assert.InDelta(t, straightKm(t, pickup, north(wantKm[i])), e.DistanceKm, 1e-9)
		assert.Equal(t, order.EntryPending, e.Status)
	}

	// Strict waterfall: only the closest driver holds a live offer.
	require.True(t, entries[0].Offered())
	assert.Equal(t, t0, *entries[0].RequestedAt)
	assert.Equal(t, t0.Add(30*time.Second), *entries[0].TimeoutAt)
	assert.True(t, entries[1].Queued())
	assert.True(t, entries[2].Queued())

	assert.Len(t, h.pub.to(broadcast.DriverGroup("d3"), broadcast.EventDriverOffer), 1)
	assert.Empty(t, h.pub.to(broadcast.DriverGroup("d1"), broadcast.EventDriverOffer))
	assert.Equal(t, []tracking.EventType{
		tracking.EventOrderCreated,
		tracking.EventDispatchStarted,
		tracking.EventDriverOffered,
	}, h.eventTypes(t, o.ID))
	assert.Len(t, h.stream.events, 3)

	c, err := h.presence.Customer(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, c.CurrentOrderID)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 1)

	_, err := h.svc.Create(ctx, CreateCommand{CustomerID: "c1", Pickup: pickup, Destination: dest})
	assert.ErrorIs(t, err, order.ErrBadRequest)

	_, err = h.svc.Create(ctx, CreateCommand{CustomerID: "c1", Pickup: types.Point{Lat: 95}, Destination: dest, VehicleType: "standard"})
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)

	_, err = h.svc.Create(ctx, CreateCommand{CustomerID: "c1", Pickup: pickup, Destination: dest, VehicleType: "limo"})
	assert.ErrorIs(t, err, order.ErrBadRequest)

	h.create(t, "c1")
	_, err = h.svc.Create(ctx, CreateCommand{CustomerID: "c1", Pickup: pickup, Destination: dest, VehicleType: "standard"})
	assert.ErrorIs(t, err, order.ErrActiveOrder)
}

func TestCreateWithoutDriversCancels(t *testing.T) {
	h := newHarness(t, testConfig())

	o, err := h.svc.Create(context.Background(), CreateCommand{
		CustomerID: "c1", Pickup: pickup, Destination: dest, VehicleType: "standard",
	})
	require.ErrorIs(t, err, pool.ErrNoDriversAvailable)
	require.NotNil(t, o)
	assert.Equal(t, order.StatusCancelled, o.Status)
	require.NotNil(t, o.CancellationReason)
	assert.Equal(t, order.ReasonNoDriver, *o.CancellationReason)
	assert.Empty(t, h.entries(t, o.ID))
}

type flakyBuilder struct {
	inner PoolBuilder
	fails int
}

func (f *flakyBuilder) Build(ctx context.Context, req pool.Request) ([]pool.Candidate, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("geo index unreachable")
	}
	return f.inner.Build(ctx, req)
}

func TestPoolBuildFailureCancelsDraft(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.svc.pool = &flakyBuilder{inner: pool.NewBuilder(h.presence, nil, cfg, quietLogger()).WithClock(h.clock.Now), fails: 1}
	h.online(t, "d1", 0.5)

	o, err := h.svc.Create(ctx, CreateCommand{CustomerID: "c1", Pickup: pickup, Destination: dest, VehicleType: "standard"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, pool.ErrNoDriversAvailable)
	assert.Nil(t, o)

	_, err = h.orders.ActiveByCustomer(ctx, "c1")
	require.ErrorIs(t, err, order.ErrNotFound)
	require.NotEmpty(t, h.stream.events)
	stranded := h.order(t, h.stream.events[0].OrderID)
	assert.Equal(t, order.StatusCancelled, stranded.Status)
	require.NotNil(t, stranded.CancellationReason)
	assert.Equal(t, order.ReasonDispatchFailed, *stranded.CancellationReason)
	assert.Equal(t, types.System(), *stranded.CancelledBy)

	// Once the index recovers the same customer can order again.
	again := h.create(t, "c1")
	assert.NotEqual(t, stranded.ID, again.ID)
	assert.Equal(t, order.StatusPending, again.Status)
}

func TestTimeoutAdvancesToNextEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.5)
	o := h.create(t, "c1")

	// Not yet due.
	h.clock.Advance(30 * time.Second)
	n, err := h.svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(time.Second)
	n, err = h.svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries := h.entries(t, o.ID)
	assert.Equal(t, order.EntryTimeout, entries[0].Status)
	assert.Nil(t, entries[0].RespondedAt)
	assert.Nil(t, entries[0].ResponseTimeSeconds)

	require.True(t, entries[1].Offered())
	assert.Equal(t, t0.Add(31*time.Second), *entries[1].RequestedAt)
	assert.False(t, entries[1].TimeoutAt.Before(entries[1].RequestedAt.Add(30*time.Second)))
	assert.Equal(t, order.StatusPending, h.order(t, o.ID).Status)

	assert.Len(t, h.pub.to(broadcast.DriverGroup("d1"), broadcast.EventOfferRevoked), 1)
	assert.Len(t, h.pub.to(broadcast.DriverGroup("d2"), broadcast.EventDriverOffer), 1)

	// The timed-out driver's delayed acceptance is ignored.
	_, err = h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
	assert.ErrorIs(t, err, order.ErrOfferNotActive)
}

func TestAcceptCancelsSiblings(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.OfferConcurrency = 2
	h := newHarness(t, cfg)
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	h.online(t, "d3", 2.0)
	o := h.create(t, "c1")

	h.clock.Advance(7*time.Second + 400*time.Millisecond)
	got, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d2"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusAccepted, got.Status)
	require.NotNil(t, got.DriverID)
	assert.Equal(t, types.ID("d2"), *got.DriverID)
	require.NotNil(t, got.AcceptedAt)

	entries := h.entries(t, o.ID)
	assert.Equal(t, 1, countStatus(entries, order.EntryAccepted))
	assert.Equal(t, 0, countStatus(entries, order.EntryPending))
	assert.Equal(t, order.EntryCancelled, entries[0].Status)
	assert.Equal(t, order.EntryAccepted, entries[1].Status)
	assert.Equal(t, order.EntryCancelled, entries[2].Status)
	require.NotNil(t, entries[1].ResponseTimeSeconds)
	assert.Equal(t, 7, *entries[1].ResponseTimeSeconds)
	assert.Equal(t, int(entries[1].RespondedAt.Sub(*entries[1].RequestedAt)/time.Second), *entries[1].ResponseTimeSeconds)

	// Only the live sibling offer is revoked; the queued one never saw it.
	assert.Len(t, h.pub.to(broadcast.DriverGroup("d1"), broadcast.EventOfferRevoked), 1)
	assert.Empty(t, h.pub.to(broadcast.DriverGroup("d3"), broadcast.EventOfferRevoked))

	d, err := h.presence.Driver(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, presence.StateBusy, d.Status)
	assert.Equal(t, o.ID, d.CurrentOrderID)

	assert.Contains(t, h.eventTypes(t, o.ID), tracking.EventDriverAccepted)
	assert.Contains(t, h.eventTypes(t, o.ID), tracking.EventOffersCancelled)
}

func TestAcceptReplayIsAlreadyAssigned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	o := h.create(t, "c1")

	_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	before := h.order(t, o.ID)
	events := len(h.eventTypes(t, o.ID))

	_, err = h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
	assert.ErrorIs(t, err, order.ErrAlreadyAssigned)
	_, err = h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d2"})
	assert.ErrorIs(t, err, order.ErrAlreadyAssigned)

	after := h.order(t, o.ID)
	assert.Equal(t, before.StatusVersion, after.StatusVersion)
	assert.Equal(t, events, len(h.eventTypes(t, o.ID)))

	_, err = h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "stranger"})
	assert.ErrorIs(t, err, order.ErrNotParticipant)
}

func TestQueuedEntryCannotRespond(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	o := h.create(t, "c1")

	_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d2"})
	assert.ErrorIs(t, err, order.ErrOfferNotActive)
	_, err = h.svc.Reject(ctx, RejectCommand{OrderID: o.ID, DriverID: "d2"})
	assert.ErrorIs(t, err, order.ErrOfferNotActive)
}

func TestRejectAdvancesAndRecordsReason(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	o := h.create(t, "c1")

	h.clock.Advance(4 * time.Second)
	_, err := h.svc.Reject(ctx, RejectCommand{OrderID: o.ID, DriverID: "d1", Reason: "too far"})
	require.NoError(t, err)

	entries := h.entries(t, o.ID)
	assert.Equal(t, order.EntryRejected, entries[0].Status)
	require.NotNil(t, entries[0].RejectionReason)
	assert.Equal(t, "too far", *entries[0].RejectionReason)
	require.NotNil(t, entries[0].ResponseTimeSeconds)
	assert.Equal(t, 4, *entries[0].ResponseTimeSeconds)
	assert.True(t, entries[1].Offered())
	assert.Equal(t, t0.Add(4*time.Second), *entries[1].RequestedAt)
}

func TestExhaustedPoolCancelsOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	o := h.create(t, "c1")

	_, err := h.svc.Reject(ctx, RejectCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	h.clock.Advance(31 * time.Second)
	n, err := h.svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.order(t, o.ID)
	assert.Equal(t, order.StatusCancelled, got.Status)
	require.NotNil(t, got.CancellationReason)
	assert.Equal(t, order.ReasonNoDriver, *got.CancellationReason)
	require.NotNil(t, got.CancelledBy)
	assert.True(t, got.CancelledBy.IsSystem())
	assert.Nil(t, got.DriverID)

	kinds := h.eventTypes(t, o.ID)
	assert.Equal(t, tracking.EventPoolExhausted, kinds[len(kinds)-2])
	assert.Equal(t, tracking.EventOrderCancelled, kinds[len(kinds)-1])

	status := h.pub.to(broadcast.CustomerGroup("c1"), broadcast.EventOrderStatus)
	require.NotEmpty(t, status)
	assert.Equal(t, order.StatusCancelled, status[len(status)-1].payload.(StatusPayload).Status)

	c, err := h.presence.Customer(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, c.CurrentOrderID)
}

func TestRetryRepoolsExcludingTriedDrivers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	h.online(t, "d1", 0.5)
	o := h.create(t, "c1")

	_, err := h.svc.Reject(ctx, RejectCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	got := h.order(t, o.ID)
	assert.Equal(t, order.StatusPending, got.Status)
	require.NotNil(t, got.RetryAt)
	assert.Equal(t, t0.Add(15*time.Second), *got.RetryAt)

	// Too early.
	n, err := h.svc.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(16 * time.Second)
	h.online(t, "d2", 1.0)
	h.online(t, "d1", 0.4)
	n, err = h.svc.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries := h.entries(t, o.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, types.ID("d2"), entries[1].DriverID)
	assert.Equal(t, 2, entries[1].Priority)
	assert.Equal(t, 2, entries[1].Round)
	assert.True(t, entries[1].Offered())
	got = h.order(t, o.ID)
	assert.Nil(t, got.RetryAt)
	assert.Equal(t, 2, got.DispatchRound)

	// Retries are spent: the next exhaustion cancels.
	_, err = h.svc.Reject(ctx, RejectCommand{OrderID: o.ID, DriverID: "d2"})
	require.NoError(t, err)
	got = h.order(t, o.ID)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, order.ReasonNoDriver, *got.CancellationReason)
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PoolSize = 8
	cfg.OfferConcurrency = 8
	h := newHarness(t, cfg)
	drivers := []types.ID{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	for i, id := range drivers {
		h.online(t, id, 0.3*float64(i+1))
	}
	o := h.create(t, "c1")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for _, id := range drivers {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: id})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, order.ErrAlreadyAssigned):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, len(drivers)-1, losses)
	entries := h.entries(t, o.ID)
	assert.Equal(t, 1, countStatus(entries, order.EntryAccepted))
	assert.Equal(t, len(drivers)-1, countStatus(entries, order.EntryCancelled))
}

func TestAcceptRacesTimeoutSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	h.online(t, "d3", 1.5)
	o := h.create(t, "c1")
	h.clock.Advance(31 * time.Second)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, err := h.svc.SweepTimeouts(ctx)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
		assert.Error(t, err)
	}()
	go func() {
		defer wg.Done()
		// d2 retries until the sweep has promoted its offer.
		for i := 0; i < 200; i++ {
			_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d2"})
			if err == nil {
				return
			}
			if !errors.Is(err, order.ErrOfferNotActive) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Error("offer never reached d2")
	}()
	wg.Wait()

	entries := h.entries(t, o.ID)
	assert.Equal(t, 1, countStatus(entries, order.EntryAccepted))
	assert.Equal(t, order.EntryTimeout, entries[0].Status)
	assert.Equal(t, order.EntryAccepted, entries[1].Status)
	assert.Equal(t, order.EntryCancelled, entries[2].Status)
	assert.True(t, h.order(t, o.ID).HasDriver("d2"))
}

func TestStaleLocationIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)

	applied, err := h.svc.ReportLocation(ctx, "d1", presence.LocationUpdate{
		Position: north(3),
		At:       t0.Add(-time.Second),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	d, err := h.presence.Driver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, north(0.5), d.Position)
	assert.Equal(t, t0, d.LastLocationUpdate)
}

func TestTripLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	o := h.create(t, "c1")

	_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)

	_, err = h.svc.Complete(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
	_, err = h.svc.Arrive(ctx, TripCommand{OrderID: o.ID, DriverID: "d2"})
	assert.ErrorIs(t, err, order.ErrNotParticipant)

	h.clock.Advance(time.Minute)
	_, err = h.svc.Arrive(ctx, TripCommand{OrderID: o.ID, DriverID: "d1", Position: &pickup})
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)
	started, err := h.svc.StartTrip(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusInProgress, started.Status)

	path := []types.Point{pickup, {Lat: 48.8600, Lng: 2.3400}, dest}
	for _, p := range path {
		h.clock.Advance(2 * time.Minute)
		applied, err := h.svc.ReportLocation(ctx, "d1", presence.LocationUpdate{Position: p})
		require.NoError(t, err)
		require.True(t, applied)
	}
	// Reordered ping: neither presence nor the trip takes it.
	applied, err := h.svc.ReportLocation(ctx, "d1", presence.LocationUpdate{Position: pickup, At: t0})
	require.NoError(t, err)
	assert.False(t, applied)

	trip, err := h.svc.Trip(ctx, o.ID, types.Customer("c1"))
	require.NoError(t, err)
	require.Len(t, trip, 3)
	assert.Equal(t, string(order.StatusInProgress), trip[0].OrderStatus)
	assert.Greater(t, trip[1].SpeedKmh, 0.0)
	assert.Len(t, h.pub.to(broadcast.CustomerGroup("c1"), broadcast.EventDriverLocation), 3)

	done, err := h.svc.Complete(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, done.Status)

	wantKm, err := geo.PathKm(path)
	require.NoError(t, err)
	require.NotNil(t, done.ActualDistanceKm)
	assert.InDelta(t, wantKm, *done.ActualDistanceKm, 0.001)
	assert.InDelta(t, 5.0, done.WaitingMinutes, 1e-9)
	assert.Equal(t, int64(250), done.Pricing.Waiting)
	require.NotNil(t, done.FinalPrice)
	assert.Equal(t, done.Pricing.Total(), *done.FinalPrice)

	d, err := h.presence.Driver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, presence.StateOnline, d.Status)
	assert.Equal(t, int64(1), d.TodayOrders)
	assert.Equal(t, done.FinalPrice.Amount, d.TodayEarnings)

	assert.Equal(t, []tracking.EventType{
		tracking.EventOrderCreated,
		tracking.EventDispatchStarted,
		tracking.EventDriverOffered,
		tracking.EventDriverAccepted,
		tracking.EventDriverArrived,
		tracking.EventTripStarted,
		tracking.EventTripCompleted,
	}, h.eventTypes(t, o.ID))
}

func TestCompleteFallsBackToEstimate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	o := h.create(t, "c1")
	_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	_, err = h.svc.Arrive(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	_, err = h.svc.StartTrip(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)

	done, err := h.svc.Complete(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	assert.InDelta(t, o.EstimatedDistanceKm, *done.ActualDistanceKm, 0.001)
	assert.Equal(t, int64(0), done.Pricing.Waiting)
}

func TestApproachPingsAreNotBilled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 5)
	o := h.create(t, "c1")
	_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)

	ping := func(p types.Point) {
		t.Helper()
		h.clock.Advance(time.Minute)
		applied, err := h.svc.ReportLocation(ctx, "d1", presence.LocationUpdate{Position: p})
		require.NoError(t, err)
		require.True(t, applied)
	}
	for _, km := range []float64{5, 2.5, 0} {
		ping(north(km))
	}
	_, err = h.svc.Arrive(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	_, err = h.svc.StartTrip(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	ping(pickup)
	ping(dest)

	// The approach is still on record and relayed to the customer.
	trip, err := h.svc.Trip(ctx, o.ID, types.Customer("c1"))
	require.NoError(t, err)
	require.Len(t, trip, 5)
	assert.Equal(t, string(order.StatusAccepted), trip[0].OrderStatus)
	assert.Len(t, h.pub.to(broadcast.CustomerGroup("c1"), broadcast.EventDriverLocation), 5)

	done, err := h.svc.Complete(ctx, TripCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)
	ride := straightKm(t, pickup, dest)
	require.NotNil(t, done.ActualDistanceKm)
	assert.InDelta(t, 4.6, *done.ActualDistanceKm, 0.05)
	assert.InDelta(t, ride, *done.ActualDistanceKm, 0.001)

	quote, err := pricing.NewService(pricing.DefaultRates("EUR"), config.PricingConfig{
		PricePerWaitingMinute: 50,
		Currency:              "EUR",
		NightStartHour:        22,
		NightEndHour:          6,
	}).Quote(ctx, pricing.QuoteRequest{DistanceKm: *done.ActualDistanceKm, VehicleType: "standard", At: o.CreatedAt})
	require.NoError(t, err)
	assert.Equal(t, quote.Distance, done.Pricing.Distance)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	o := h.create(t, "c1")

	_, err := h.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: types.Customer("c1")})
	assert.ErrorIs(t, err, order.ErrBadRequest)
	_, err = h.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: types.Customer("c2"), Reason: "x"})
	assert.ErrorIs(t, err, order.ErrNotParticipant)
	_, err = h.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: types.Driver("d1"), Reason: "x"})
	assert.ErrorIs(t, err, order.ErrNotParticipant)

	got, err := h.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: types.Customer("c1"), Reason: "changed plans"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, "changed plans", *got.CancellationReason)
	assert.Equal(t, types.Customer("c1"), *got.CancelledBy)

	entries := h.entries(t, o.ID)
	assert.Equal(t, 2, countStatus(entries, order.EntryCancelled))
	assert.Len(t, h.pub.to(broadcast.DriverGroup("d1"), broadcast.EventOfferRevoked), 1)

	_, err = h.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: types.Customer("c1"), Reason: "again"})
	assert.ErrorIs(t, err, order.ErrInvalidTransition)

	// The sweep leaves cancelled orders alone.
	h.clock.Advance(time.Minute)
	n, err := h.svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDriverCancelFreesDriver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	o := h.create(t, "c1")
	_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Actor: types.Driver("d1"), Reason: "flat tyre"})
	require.NoError(t, err)

	d, err := h.presence.Driver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, presence.StateOnline, d.Status)
	assert.Empty(t, d.CurrentOrderID)

	// The customer may order again.
	h.create(t, "c1")
}

func TestRecordPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	o := h.create(t, "c1")

	_, err := h.svc.RecordPayment(ctx, PaymentCommand{OrderID: o.ID, Actor: types.Customer("c1"), Status: order.PaymentPaid})
	assert.ErrorIs(t, err, order.ErrNotParticipant)
	_, err = h.svc.RecordPayment(ctx, PaymentCommand{OrderID: o.ID, Actor: types.System(), Status: "SETTLED"})
	assert.ErrorIs(t, err, order.ErrBadRequest)

	got, err := h.svc.RecordPayment(ctx, PaymentCommand{OrderID: o.ID, Actor: types.System(), Status: order.PaymentPaid, Notes: "psp ref 42"})
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, order.StatusPending, got.Status)
	require.NotNil(t, got.PaidAt)

	events, err := h.ledger.Events(ctx, o.ID, time.Time{})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, tracking.EventPaymentUpdated, last.Type)
	assert.Equal(t, "psp ref 42", last.Notes)
}

func TestLedgerStrictlyOrdered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	o := h.create(t, "c1")
	_, err := h.svc.Accept(ctx, AcceptCommand{OrderID: o.ID, DriverID: "d1"})
	require.NoError(t, err)

	events, err := h.ledger.Events(ctx, o.ID, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].CreatedAt.After(events[i-1].CreatedAt), "event %d not after %d", i, i-1)
	}
	assert.Len(t, tracking.Dedup(h.stream.events), len(events))

	since, err := h.svc.Events(ctx, o.ID, events[1].CreatedAt, types.Customer("c1"))
	require.NoError(t, err)
	assert.Len(t, since, len(events)-2)
}

func TestReadAccess(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.OfferConcurrency = 2
	h := newHarness(t, cfg)
	h.online(t, "d1", 0.5)
	h.online(t, "d2", 1.0)
	o := h.create(t, "c1")

	_, err := h.svc.Get(ctx, o.ID, types.Customer("c2"))
	assert.ErrorIs(t, err, order.ErrNotParticipant)
	_, err = h.svc.Get(ctx, o.ID, types.Driver("d1"))
	assert.NoError(t, err)
	_, err = h.svc.Get(ctx, o.ID, types.Driver("d9"))
	assert.ErrorIs(t, err, order.ErrNotParticipant)

	all, err := h.svc.Entries(ctx, o.ID, types.Customer("c1"))
	require.NoError(t, err)
	assert.Len(t, all, 2)
	own, err := h.svc.Entries(ctx, o.ID, types.Driver("d2"))
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, types.ID("d2"), own[0].DriverID)

	_, err = h.svc.Events(ctx, o.ID, time.Time{}, types.Driver("d1"))
	assert.ErrorIs(t, err, order.ErrNotParticipant)

	active, err := h.svc.Active(ctx, types.Customer("c1"))
	require.NoError(t, err)
	assert.Equal(t, o.ID, active.ID)
	_, err = h.svc.Get(ctx, "missing", types.System())
	assert.ErrorIs(t, err, order.ErrNotFound)
}
