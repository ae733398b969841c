// README: Handler tests: auth, role guards, validation and the order lifecycle over HTTP.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtc/internal/config"
	httptransport "vtc/internal/http"
	"vtc/internal/infra"
	"vtc/internal/maps"
	"vtc/internal/modules/dispatch"
	"vtc/internal/modules/order"
	"vtc/internal/modules/pool"
	"vtc/internal/modules/presence"
	"vtc/internal/modules/pricing"
	"vtc/internal/modules/tracking"
)

// stubTokenVerifier maps raw tokens to callers.
type stubTokenVerifier struct {
	tokens map[string]*infra.AuthToken
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.AuthToken, error) {
	if tok, ok := s.tokens[raw]; ok {
		return tok, nil
	}
	return nil, errors.New("unknown token")
}

var verifier = &stubTokenVerifier{tokens: map[string]*infra.AuthToken{
	"c1":  {UID: "c1", Role: "customer"},
	"c2":  {UID: "c2"},
	"d1":  {UID: "d1", Role: "driver"},
	"d2":  {UID: "d2", Role: "driver"},
	"sys": {UID: "billing", Role: "system"},
}}

type env struct {
	router   *gin.Engine
	presence *presence.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := config.DispatchConfig{
		MaxDriverWaitingTime: 30 * time.Second,
		PoolSize:             5,
		LocationFreshness:    2 * time.Minute,
		SearchRadiusKm:       10,
		OfferConcurrency:     1,
		RetryBackoff:         15 * time.Second,
		SweepBatch:           100,
	}
	ledger := tracking.NewMemoryStore()
	pres := presence.NewService(presence.NewMemoryStore(), nil, log)
	svc := dispatch.NewService(dispatch.Deps{
		Orders:   order.NewMemoryStore(ledger),
		Pool:     pool.NewBuilder(pres, nil, cfg, log),
		Presence: pres,
		Tracking: tracking.NewService(ledger, log),
		Pricing: pricing.NewService(pricing.DefaultRates("EUR"), config.PricingConfig{
			PricePerWaitingMinute: 50,
			Currency:              "EUR",
			NightStartHour:        22,
			NightEndHour:          6,
		}),
		Routes: maps.HaversineEstimator{},
	}, cfg, log)

	r, err := httptransport.NewRouter(httptransport.RouterDeps{
		Dispatch: svc,
		Presence: pres,
		Verifier: verifier,
		Log:      log,
	})
	require.NoError(t, err)
	return &env{router: r, presence: pres}
}

func doRequest(r *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func point(lat, lng float64) map[string]any {
	return map[string]any{"lat": lat, "lng": lng}
}

func createBody() map[string]any {
	return map[string]any{
		"pickup":       point(48.8566, 2.3522),
		"destination":  point(48.8738, 2.2950),
		"vehicle_type": "standard",
		"device_token": "fcm-c1",
	}
}

func (e *env) goOnline(t *testing.T, token string, lat float64) {
	t.Helper()
	w := doRequest(e.router, http.MethodPost, "/api/drivers/me/online", map[string]any{"vehicle_type": "standard"}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doRequest(e.router, http.MethodPut, "/api/drivers/me/location", point(lat, 2.3522), token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	w := doRequest(e.router, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestCreate_Unauthenticated(t *testing.T) {
	e := newEnv(t)
	w := doRequest(e.router, http.MethodPost, "/api/orders", createBody(), "bogus")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = doRequest(e.router, http.MethodPost, "/api/orders", createBody(), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreate_DriverForbidden(t *testing.T) {
	e := newEnv(t)
	w := doRequest(e.router, http.MethodPost, "/api/orders", createBody(), "d1")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t)
	cases := map[string]func(b map[string]any){
		"missing vehicle type": func(b map[string]any) { delete(b, "vehicle_type") },
		"unknown vehicle type": func(b map[string]any) { b["vehicle_type"] = "bike" },
		"latitude out of range": func(b map[string]any) {
			b["pickup"] = point(91, 2.35)
		},
		"missing longitude": func(b map[string]any) {
			b["destination"] = map[string]any{"lat": 48.8}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			body := createBody()
			mutate(body)
			w := doRequest(e.router, http.MethodPost, "/api/orders", body, "c1")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestCreate_NoDrivers(t *testing.T) {
	e := newEnv(t)
	w := doRequest(e.router, http.MethodPost, "/api/orders", createBody(), "c1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	var resp struct {
		Error string      `json:"error"`
		Order order.Order `json:"order"`
	}
	decode(t, w, &resp)
	assert.Equal(t, order.StatusCancelled, resp.Order.Status)
	require.NotNil(t, resp.Order.CancellationReason)
	assert.Equal(t, order.ReasonNoDriver, *resp.Order.CancellationReason)
}

func TestOrderLifecycle(t *testing.T) {
	e := newEnv(t)
	e.goOnline(t, "d1", 48.8656)
	e.goOnline(t, "d2", 48.8746)

	w := doRequest(e.router, http.MethodPost, "/api/orders", createBody(), "c1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created order.Order
	decode(t, w, &created)
	assert.Equal(t, order.StatusPending, created.Status)
	base := "/api/orders/" + string(created.ID)

	// A second active order for the same customer is refused.
	w = doRequest(e.router, http.MethodPost, "/api/orders", createBody(), "c1")
	assert.Equal(t, http.StatusConflict, w.Code)

	// Strangers cannot read the order; pooled drivers can.
	w = doRequest(e.router, http.MethodGet, base, nil, "c2")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(e.router, http.MethodGet, base, nil, "d2")
	assert.Equal(t, http.StatusOK, w.Code)

	var pooled struct {
		Entries []order.PoolEntry `json:"entries"`
	}
	w = doRequest(e.router, http.MethodGet, base+"/pool", nil, "c1")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &pooled)
	require.Len(t, pooled.Entries, 2)
	assert.EqualValues(t, "d1", pooled.Entries[0].DriverID)

	w = doRequest(e.router, http.MethodGet, base+"/pool", nil, "d2")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &pooled)
	require.Len(t, pooled.Entries, 1)
	assert.EqualValues(t, "d2", pooled.Entries[0].DriverID)

	w = doRequest(e.router, http.MethodPost, base+"/accept", nil, "c1")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(e.router, http.MethodPost, base+"/accept", nil, "d1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var accepted order.Order
	decode(t, w, &accepted)
	assert.Equal(t, order.StatusAccepted, accepted.Status)

	w = doRequest(e.router, http.MethodPost, base+"/accept", nil, "d2")
	require.Equal(t, http.StatusConflict, w.Code)
	var conflict struct {
		Outcome string `json:"outcome"`
	}
	decode(t, w, &conflict)
	assert.Equal(t, "offer_unavailable", conflict.Outcome)

	// Busy drivers cannot go offline.
	w = doRequest(e.router, http.MethodPost, "/api/drivers/me/offline", nil, "d1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(e.router, http.MethodGet, "/api/drivers/me/status", nil, "d1")
	require.Equal(t, http.StatusOK, w.Code)
	var status presence.DriverStatus
	decode(t, w, &status)
	assert.Equal(t, presence.StateBusy, status.Status)

	var applied struct {
		Applied bool `json:"applied"`
	}
	stale := point(48.86, 2.35)
	stale["recorded_at"] = time.Now().Add(-time.Hour).Format(time.RFC3339)
	w = doRequest(e.router, http.MethodPut, "/api/drivers/me/location", stale, "d1")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &applied)
	assert.False(t, applied.Applied)

	w = doRequest(e.router, http.MethodPost, base+"/start", nil, "d1")
	assert.Equal(t, http.StatusConflict, w.Code, "start before arrival")

	for _, step := range []string{"arrive", "start"} {
		w = doRequest(e.router, http.MethodPost, base+"/"+step, nil, "d1")
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", step, w.Body.String())
	}
	w = doRequest(e.router, http.MethodPut, "/api/drivers/me/location", point(48.8700, 2.3000), "d1")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &applied)
	assert.True(t, applied.Applied)

	w = doRequest(e.router, http.MethodPost, base+"/complete", map[string]any{"position": point(48.8738, 2.2950)}, "d1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done order.Order
	decode(t, w, &done)
	assert.Equal(t, order.StatusCompleted, done.Status)
	require.NotNil(t, done.FinalPrice)
	assert.Equal(t, "EUR", done.FinalPrice.Currency)

	w = doRequest(e.router, http.MethodGet, base+"/trip", nil, "c1")
	require.Equal(t, http.StatusOK, w.Code)
	var trip struct {
		Samples []tracking.Sample `json:"samples"`
	}
	decode(t, w, &trip)
	assert.NotEmpty(t, trip.Samples)

	w = doRequest(e.router, http.MethodPost, base+"/payment", map[string]any{"payment_status": "PAID"}, "c1")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(e.router, http.MethodPost, base+"/payment", map[string]any{"payment_status": "PAID", "notes": "card"}, "sys")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paid order.Order
	decode(t, w, &paid)
	assert.Equal(t, order.PaymentPaid, paid.PaymentStatus)

	var ledger struct {
		Events []tracking.Event `json:"events"`
	}
	w = doRequest(e.router, http.MethodGet, base+"/events", nil, "c1")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &ledger)
	require.NotEmpty(t, ledger.Events)
	assert.Equal(t, tracking.EventOrderCreated, ledger.Events[0].Type)
	assert.Equal(t, tracking.EventPaymentUpdated, ledger.Events[len(ledger.Events)-1].Type)

	w = doRequest(e.router, http.MethodGet, base+"/events?since=yesterday", nil, "c1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectAndCancel(t *testing.T) {
	e := newEnv(t)
	e.goOnline(t, "d1", 48.8656)

	w := doRequest(e.router, http.MethodPost, "/api/orders", createBody(), "c1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created order.Order
	decode(t, w, &created)
	base := "/api/orders/" + string(created.ID)

	w = doRequest(e.router, http.MethodPost, base+"/cancel", map[string]any{"reason": "changed plans"}, "c2")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(e.router, http.MethodPost, base+"/reject", map[string]any{"reason": "too far"}, "d1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The only candidate declined, so the order is gone.
	w = doRequest(e.router, http.MethodGet, base, nil, "c1")
	require.Equal(t, http.StatusOK, w.Code)
	var after order.Order
	decode(t, w, &after)
	assert.Equal(t, order.StatusCancelled, after.Status)

	w = doRequest(e.router, http.MethodPost, base+"/cancel", map[string]any{"reason": "again"}, "c1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(e.router, http.MethodGet, "/api/orders/active", nil, "c1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCustomerLocation(t *testing.T) {
	e := newEnv(t)
	w := doRequest(e.router, http.MethodPut, "/api/customers/me/location", point(48.85, 2.35), "c1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(e.router, http.MethodGet, "/api/customers/me/status", nil, "c1")
	require.Equal(t, http.StatusOK, w.Code)
	var cs presence.CustomerStatus
	decode(t, w, &cs)
	assert.InDelta(t, 48.85, cs.Position.Lat, 1e-9)

	w = doRequest(e.router, http.MethodPut, "/api/customers/me/location", point(48.85, 2.35), "d1")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
