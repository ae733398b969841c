// README: Simulator cases: environment checks, dispatch scenarios, accept race and ping load.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"vtc/internal/infra"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg    Config
	httpc  *http.Client
	tokens *infra.JWTVerifier
	db     *pgxpool.Pool
	redis  *redis.Client
	// run prefixes every id so repeated runs never share drivers or customers.
	run string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) (*Runner, error) {
	tokens, err := infra.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}
	return &Runner{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		tokens: tokens,
		run:    uuid.NewString()[:8],
	}, nil
}

func (r *Runner) token(uid, role string) (string, error) {
	return r.tokens.IssueToken(uid, role, time.Hour)
}

func (r *Runner) id(kind string, n int) string {
	return fmt.Sprintf("sim-%s-%s-%d", r.run, kind, n)
}

// pickup spreads scenarios half a degree apart so their pools never overlap.
func (r *Runner) pickup(slot int) point {
	return point{Lat: r.cfg.PickupLat, Lng: r.cfg.PickupLng + 0.5*float64(slot)}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		} else {
			fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency.Round(time.Millisecond))
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: envPostgres},
		{Name: "Env: Redis connect", Run: envRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: health},
		{Name: "Auth: missing token -> 401", Run: missingToken},
		{Name: "Order: unknown vehicle type -> 400", Run: badVehicle},
		{Name: "Order: invalid coordinates -> 400", Run: badCoordinates},
		{Name: "Dispatch: empty pool -> 422 cancelled", Run: emptyPool},
		{Name: "Dispatch: accept race has one winner", Run: acceptRace},
		{Name: "Dispatch: reject exhausts single-driver pool", Run: rejectOnly},
		{Name: "Dispatch: concurrent orders complete", Run: concurrentOrders},
		{Name: "Presence: redis hash written", Run: presenceHash},
		{Name: "Perf: location ping throughput", Run: pingLoad},
	}
}

func pass(start time.Time, format string, args ...any) Result {
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Result {
	return Result{Status: statusFail, Note: fmt.Sprintf(format, args...)}
}

func skip(note string) Result {
	return Result{Status: statusSkip, Note: note}
}

func envPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("dsn not configured")
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return fail("%v", err)
	}
	return pass(start, "")
}

func envRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return skip("redis not configured")
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fail("%v", err)
	}
	return pass(start, "")
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return skip("apply-migration=false")
	}
	if r.db == nil {
		return fail("db not configured")
	}
	start := time.Now()
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return fail("%v", err)
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return fail("%v", err)
		}
	}
	return pass(start, "")
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("db not configured")
	}
	start := time.Now()
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return fail("%v", err)
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
		).Scan(&exists)
		if err != nil {
			return fail("%v", err)
		}
		if !exists {
			return fail("missing table: %s", t)
		}
	}
	return pass(start, "%d tables", len(tables))
}

func health(ctx context.Context, r *Runner) Result {
	start := time.Now()
	code, err := r.call(ctx, http.MethodGet, "/health", "", nil, nil)
	if err != nil {
		return fail("%v", err)
	}
	return pass(start, "status=%d", code)
}

func missingToken(ctx context.Context, r *Runner) Result {
	start := time.Now()
	code, _ := r.call(ctx, http.MethodGet, "/api/orders/active", "", nil, nil)
	if code != http.StatusUnauthorized {
		return fail("status=%d", code)
	}
	return pass(start, "")
}

func badVehicle(ctx context.Context, r *Runner) Result {
	tok, err := r.token(r.id("customer", 900), "customer")
	if err != nil {
		return fail("%v", err)
	}
	start := time.Now()
	p := r.pickup(90)
	code, _ := r.call(ctx, http.MethodPost, "/api/orders", tok, map[string]any{
		"pickup": p, "destination": p.north(2), "vehicle_type": "rickshaw",
	}, nil)
	if code != http.StatusBadRequest {
		return fail("status=%d", code)
	}
	return pass(start, "")
}

func badCoordinates(ctx context.Context, r *Runner) Result {
	tok, err := r.token(r.id("customer", 901), "customer")
	if err != nil {
		return fail("%v", err)
	}
	start := time.Now()
	code, _ := r.call(ctx, http.MethodPost, "/api/orders", tok, map[string]any{
		"pickup":       point{Lat: 123, Lng: 456},
		"destination":  point{Lat: 0, Lng: 0},
		"vehicle_type": "standard",
	}, nil)
	if code != http.StatusBadRequest {
		return fail("status=%d", code)
	}
	return pass(start, "")
}

func emptyPool(ctx context.Context, r *Runner) Result {
	start := time.Now()
	// Nobody is ever online in the middle of the southern ocean.
	_, code, err := r.createOrder(ctx, r.id("customer", 0), point{Lat: -60, Lng: -140})
	if code != http.StatusUnprocessableEntity {
		return fail("status=%d err=%v", code, err)
	}
	return pass(start, "")
}

// registerDrivers inserts directory rows so eligibility passes when the API
// runs against Postgres.
func (r *Runner) registerDrivers(ctx context.Context, ids []string) error {
	if r.db == nil {
		return nil
	}
	for _, id := range ids {
		_, err := r.db.Exec(ctx, `
            INSERT INTO drivers (id, display_name, vehicle_type)
            VALUES ($1, $1, 'standard')
            ON CONFLICT (id) DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("register driver %s: %w", id, err)
		}
	}
	return nil
}

func (r *Runner) fleet(ctx context.Context, slot, n int) ([]string, error) {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = r.id(fmt.Sprintf("driver%d", slot), i)
	}
	if err := r.registerDrivers(ctx, ids); err != nil {
		return nil, err
	}
	p := r.pickup(slot)
	for i, id := range ids {
		if err := r.goOnline(ctx, id, p.north(0.3*float64(i+1))); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r *Runner) park(ctx context.Context, ids []string) {
	for _, id := range ids {
		r.goOffline(ctx, id)
	}
}

// acceptRace lets every pooled driver accept at once, then drives the winner
// through the trip and checks the ledger.
func acceptRace(ctx context.Context, r *Runner) Result {
	const slot = 1
	drivers, err := r.fleet(ctx, slot, r.cfg.Concurrency)
	if err != nil {
		return fail("%v", err)
	}
	defer r.park(ctx, drivers)

	customer := r.id("customer", slot)
	start := time.Now()
	o, code, err := r.createOrder(ctx, customer, r.pickup(slot))
	if err != nil {
		return fail("create status=%d: %v", code, err)
	}
	if o.Status != "PENDING" {
		return fail("created order is %s", o.Status)
	}
	if _, code, _ := r.createOrder(ctx, customer, r.pickup(slot)); code != http.StatusConflict {
		return fail("second active order status=%d", code)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		other   []int
	)
	for _, d := range drivers {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			_, code, err := r.driverStep(ctx, o.ID, d, "accept", nil)
			mu.Lock()
			defer mu.Unlock()
			var apiErr *apiError
			switch {
			case err == nil:
				winners = append(winners, d)
			case errors.As(err, &apiErr) && apiErr.Outcome == "offer_unavailable":
			case code == http.StatusForbidden:
				// Beyond the pool size; never offered.
			default:
				other = append(other, code)
			}
		}(d)
	}
	wg.Wait()
	if len(winners) != 1 {
		return fail("winners=%d unexpected=%v", len(winners), other)
	}
	if len(other) > 0 {
		return fail("unexpected statuses %v", other)
	}
	winner := winners[0]

	got, err := r.getOrder(ctx, o.ID, customer, "customer")
	if err != nil {
		return fail("%v", err)
	}
	if got.Status != "ACCEPTED" || got.DriverID == nil || *got.DriverID != winner {
		return fail("order %s driver=%v, want ACCEPTED by %s", got.Status, got.DriverID, winner)
	}

	if err := r.trip(ctx, o.ID, winner, r.pickup(slot)); err != nil {
		return fail("%v", err)
	}
	if err := r.pay(ctx, o.ID); err != nil {
		return fail("%v", err)
	}
	events, err := r.events(ctx, o.ID, customer)
	if err != nil {
		return fail("%v", err)
	}
	if len(events) == 0 || events[0].Type != "ORDER_CREATED" || events[len(events)-1].Type != "PAYMENT_UPDATED" {
		return fail("ledger order unexpected: %v", eventTypes(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].CreatedAt.Before(events[i-1].CreatedAt) {
			return fail("ledger timestamps go backwards at %d", i)
		}
	}
	if r.db != nil {
		var rows int
		if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM order_tracking WHERE order_id = $1`, o.ID).Scan(&rows); err != nil {
			return fail("%v", err)
		}
		if rows != len(events) {
			return fail("order_tracking rows=%d api events=%d", rows, len(events))
		}
	}
	return pass(start, "winner=%s events=%d", winner, len(events))
}

func (r *Runner) trip(ctx context.Context, orderID, driverID string, from point) error {
	for _, step := range []string{"arrive", "start"} {
		if _, code, err := r.driverStep(ctx, orderID, driverID, step, nil); err != nil {
			return fmt.Errorf("%s status=%d: %w", step, code, err)
		}
	}
	for i := 1; i <= 3; i++ {
		if err := r.ping(ctx, driverID, from.north(float64(i))); err != nil {
			return fmt.Errorf("trip ping %d: %w", i, err)
		}
	}
	done, code, err := r.driverStep(ctx, orderID, driverID, "complete", map[string]any{"position": from.north(3)})
	if err != nil {
		return fmt.Errorf("complete status=%d: %w", code, err)
	}
	if done.Status != "COMPLETED" || done.FinalPrice == nil {
		return fmt.Errorf("completed order is %s final_price=%v", done.Status, done.FinalPrice)
	}
	return nil
}

func (r *Runner) pay(ctx context.Context, orderID string) error {
	tok, err := r.token("vtc-sim", "system")
	if err != nil {
		return err
	}
	var o orderView
	if _, err := r.call(ctx, http.MethodPost, "/api/orders/"+orderID+"/payment", tok, map[string]any{
		"payment_status": "PAID",
		"notes":          "simulated",
	}, &o); err != nil {
		return fmt.Errorf("payment: %w", err)
	}
	if o.PaymentStatus != "PAID" {
		return fmt.Errorf("payment status %s", o.PaymentStatus)
	}
	return nil
}

// rejectOnly passes when the order is cancelled, or parked for a retry
// round when the API runs with retries enabled.
func rejectOnly(ctx context.Context, r *Runner) Result {
	const slot = 2
	drivers, err := r.fleet(ctx, slot, 1)
	if err != nil {
		return fail("%v", err)
	}
	defer r.park(ctx, drivers)

	customer := r.id("customer", slot)
	start := time.Now()
	o, code, err := r.createOrder(ctx, customer, r.pickup(slot))
	if err != nil {
		return fail("create status=%d: %v", code, err)
	}
	if _, code, err := r.driverStep(ctx, o.ID, drivers[0], "reject", map[string]any{"reason": "simulated"}); err != nil {
		return fail("reject status=%d: %v", code, err)
	}
	got, err := r.getOrder(ctx, o.ID, customer, "customer")
	if err != nil {
		return fail("%v", err)
	}
	switch {
	case got.Status == "CANCELLED":
		return pass(start, "cancelled")
	case got.Status == "PENDING" && got.RetryAt != nil:
		tok, _ := r.token(customer, "customer")
		_, _ = r.call(ctx, http.MethodPost, "/api/orders/"+o.ID+"/cancel", tok, map[string]any{"reason": "simulation over"}, nil)
		return pass(start, "retry scheduled")
	}
	return fail("order is %s", got.Status)
}

func concurrentOrders(ctx context.Context, r *Runner) Result {
	start := time.Now()
	var (
		wg   sync.WaitGroup
		ok   atomic.Int64
		mu   sync.Mutex
		errs []string
	)
	for i := 0; i < r.cfg.Orders; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			if err := r.scenario(ctx, slot); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("slot %d: %v", slot, err))
				mu.Unlock()
				return
			}
			ok.Add(1)
		}(10 + i)
	}
	wg.Wait()
	if len(errs) > 0 {
		return fail("%d/%d failed: %s", len(errs), r.cfg.Orders, errs[0])
	}
	return pass(start, "orders=%d", ok.Load())
}

func (r *Runner) scenario(ctx context.Context, slot int) error {
	drivers, err := r.fleet(ctx, slot, 2)
	if err != nil {
		return err
	}
	defer r.park(ctx, drivers)

	o, code, err := r.createOrder(ctx, r.id("customer", slot), r.pickup(slot))
	if err != nil {
		return fmt.Errorf("create status=%d: %w", code, err)
	}
	// The nearest driver holds the first offer.
	if _, code, err := r.driverStep(ctx, o.ID, drivers[0], "accept", nil); err != nil {
		return fmt.Errorf("accept status=%d: %w", code, err)
	}
	if _, code, err := r.driverStep(ctx, o.ID, drivers[1], "accept", nil); code != http.StatusConflict {
		return fmt.Errorf("late accept status=%d: %v", code, err)
	}
	return r.trip(ctx, o.ID, drivers[0], r.pickup(slot))
}

func presenceHash(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return skip("redis not configured")
	}
	const slot = 3
	drivers, err := r.fleet(ctx, slot, 1)
	if err != nil {
		return fail("%v", err)
	}
	defer r.park(ctx, drivers)
	start := time.Now()
	vals, err := r.redis.HGetAll(ctx, "presence:driver:"+drivers[0]).Result()
	if err != nil {
		return fail("%v", err)
	}
	if vals["status"] != "ONLINE" {
		return fail("presence hash status=%q", vals["status"])
	}
	return pass(start, "")
}

func pingLoad(ctx context.Context, r *Runner) Result {
	const slot = 4
	drivers, err := r.fleet(ctx, slot, r.cfg.Concurrency)
	if err != nil {
		return fail("%v", err)
	}
	defer r.park(ctx, drivers)

	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			base := r.pickup(slot)
			for n := 0; time.Now().Before(end); n++ {
				if err := r.ping(ctx, d, base.north(0.01*float64(n%100+i))); err != nil {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}(i, d)
	}
	wg.Wait()

	if count.Load() == 0 {
		return fail("no pings completed, errors=%d", errCount.Load())
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func eventTypes(events []eventView) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
