// README: Thin JSON client for the vtc-api routes used by the scenarios.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p point) north(km float64) point {
	return point{Lat: p.Lat + km/111.195, Lng: p.Lng}
}

type orderView struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	DriverID      *string `json:"driver_id"`
	PaymentStatus string  `json:"payment_status"`
	RetryAt       *string `json:"retry_at"`
	FinalPrice    *struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"final_price"`
}

type eventView struct {
	Type      string    `json:"event_type"`
	CreatedAt time.Time `json:"created_at"`
}

type apiError struct {
	Status  int
	Message string `json:"error"`
	Outcome string `json:"outcome"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status=%d %s", e.Status, e.Message)
}

// call sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses come back as *apiError.
func (r *Runner) call(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return resp.StatusCode, apiErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (r *Runner) goOnline(ctx context.Context, driverID string, at point) error {
	tok, err := r.token(driverID, "driver")
	if err != nil {
		return err
	}
	if _, err := r.call(ctx, http.MethodPost, "/api/drivers/me/online", tok, map[string]any{"vehicle_type": "standard"}, nil); err != nil {
		return fmt.Errorf("online %s: %w", driverID, err)
	}
	return r.ping(ctx, driverID, at)
}

func (r *Runner) goOffline(ctx context.Context, driverID string) {
	tok, err := r.token(driverID, "driver")
	if err != nil {
		return
	}
	_, _ = r.call(ctx, http.MethodPost, "/api/drivers/me/offline", tok, nil, nil)
}

func (r *Runner) ping(ctx context.Context, driverID string, at point) error {
	tok, err := r.token(driverID, "driver")
	if err != nil {
		return err
	}
	_, err = r.call(ctx, http.MethodPut, "/api/drivers/me/location", tok, at, nil)
	return err
}

func (r *Runner) createOrder(ctx context.Context, customerID string, pickup point) (*orderView, int, error) {
	tok, err := r.token(customerID, "customer")
	if err != nil {
		return nil, 0, err
	}
	var o orderView
	code, err := r.call(ctx, http.MethodPost, "/api/orders", tok, map[string]any{
		"pickup":       pickup,
		"destination":  pickup.north(3),
		"vehicle_type": "standard",
	}, &o)
	if err != nil {
		return nil, code, err
	}
	return &o, code, nil
}

func (r *Runner) getOrder(ctx context.Context, id, uid, role string) (*orderView, error) {
	tok, err := r.token(uid, role)
	if err != nil {
		return nil, err
	}
	var o orderView
	if _, err := r.call(ctx, http.MethodGet, "/api/orders/"+id, tok, nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// driverStep posts accept, reject, arrive, start or complete.
func (r *Runner) driverStep(ctx context.Context, orderID, driverID, step string, body any) (*orderView, int, error) {
	tok, err := r.token(driverID, "driver")
	if err != nil {
		return nil, 0, err
	}
	var o orderView
	code, err := r.call(ctx, http.MethodPost, "/api/orders/"+orderID+"/"+step, tok, body, &o)
	if err != nil {
		return nil, code, err
	}
	return &o, code, nil
}

func (r *Runner) events(ctx context.Context, orderID, customerID string) ([]eventView, error) {
	tok, err := r.token(customerID, "customer")
	if err != nil {
		return nil, err
	}
	var out struct {
		Events []eventView `json:"events"`
	}
	if _, err := r.call(ctx, http.MethodGet, "/api/orders/"+orderID+"/events", tok, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}
