// README: Order aggregate, driver pool entries and status definitions.
package order

import (
	"errors"
	"time"

	"vtc/internal/modules/pricing"
	"vtc/internal/types"
)

type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPending       Status = "PENDING"
	StatusAccepted      Status = "ACCEPTED"
	StatusDriverArrived Status = "DRIVER_ARRIVED"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusCompleted     Status = "COMPLETED"
	StatusCancelled     Status = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "UNPAID"
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentUnpaid, PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryPending   EntryStatus = "PENDING"
	EntryAccepted  EntryStatus = "ACCEPTED"
	EntryRejected  EntryStatus = "REJECTED"
	EntryTimeout   EntryStatus = "TIMEOUT"
	EntryCancelled EntryStatus = "CANCELLED"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyAssigned   = errors.New("order already assigned")
	ErrOfferNotActive    = errors.New("offer not active")
	ErrNotParticipant    = errors.New("caller is not a participant of this order")
	ErrConflict          = errors.New("order state conflict")
	ErrActiveOrder       = errors.New("party already has an active order")
	ErrBadRequest        = errors.New("bad request")
)

const (
	ReasonNoDriver       = "no driver available"
	ReasonDispatchFailed = "dispatch unavailable"
)

type Order struct {
	ID                  types.ID          `json:"id"`
	CustomerID          types.ID          `json:"customer_id"`
	DriverID            *types.ID         `json:"driver_id,omitempty"`
	Status              Status            `json:"status"`
	StatusVersion       int               `json:"status_version"`
	Pickup              types.Point       `json:"pickup"`
	Destination         types.Point       `json:"destination"`
	VehicleType         string            `json:"vehicle_type"`
	Zone                string            `json:"zone,omitempty"`
	EstimatedDistanceKm float64           `json:"estimated_distance_km"`
	ActualDistanceKm    *float64          `json:"actual_distance_km,omitempty"`
	WaitingMinutes      float64           `json:"waiting_minutes"`
	Pricing             pricing.Breakdown `json:"pricing"`
	EstimatedPrice      types.Money       `json:"estimated_price"`
	FinalPrice          *types.Money      `json:"final_price,omitempty"`
	PaymentStatus       PaymentStatus     `json:"payment_status"`
	IsNightFare         bool              `json:"is_night_fare"`
	DispatchRound       int               `json:"dispatch_round"`
	RetryAt             *time.Time        `json:"retry_at,omitempty"`
	CancellationReason  *string           `json:"cancellation_reason,omitempty"`
	CancelledBy         *types.Actor      `json:"cancelled_by,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	AcceptedAt          *time.Time        `json:"accepted_at,omitempty"`
	ArrivedAt           *time.Time        `json:"arrived_at,omitempty"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	CancelledAt         *time.Time        `json:"cancelled_at,omitempty"`
	PaidAt              *time.Time        `json:"paid_at,omitempty"`
}

func (o *Order) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusCancelled
}

// HasDriver reports whether id is the assigned driver.
func (o *Order) HasDriver(id types.ID) bool {
	return o.DriverID != nil && *o.DriverID == id
}

func (o *Order) Clone() *Order {
	cp := *o
	cp.DriverID = clonePtr(o.DriverID)
	cp.ActualDistanceKm = clonePtr(o.ActualDistanceKm)
	cp.FinalPrice = clonePtr(o.FinalPrice)
	cp.RetryAt = clonePtr(o.RetryAt)
	cp.CancellationReason = clonePtr(o.CancellationReason)
	cp.CancelledBy = clonePtr(o.CancelledBy)
	cp.AcceptedAt = clonePtr(o.AcceptedAt)
	cp.ArrivedAt = clonePtr(o.ArrivedAt)
	cp.StartedAt = clonePtr(o.StartedAt)
	cp.CompletedAt = clonePtr(o.CompletedAt)
	cp.CancelledAt = clonePtr(o.CancelledAt)
	cp.PaidAt = clonePtr(o.PaidAt)
	return &cp
}

// PoolEntry is one offer of an order to one driver. RequestedAt and
// TimeoutAt are nil while the entry waits in the queue behind earlier
// priorities.
type PoolEntry struct {
	ID                  types.ID    `json:"id"`
	OrderID             types.ID    `json:"order_id"`
	DriverID            types.ID    `json:"driver_id"`
	Priority            int         `json:"priority_order"`
	Round               int         `json:"round"`
	DistanceKm          float64     `json:"distance_km"`
	Status              EntryStatus `json:"request_status"`
	RequestedAt         *time.Time  `json:"requested_at,omitempty"`
	RespondedAt         *time.Time  `json:"responded_at,omitempty"`
	TimeoutAt           *time.Time  `json:"timeout_at,omitempty"`
	ResponseTimeSeconds *int        `json:"response_time_seconds,omitempty"`
	RejectionReason     *string     `json:"rejection_reason,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Offered reports whether the entry holds a live offer.
func (e *PoolEntry) Offered() bool {
	return e.Status == EntryPending && e.RequestedAt != nil
}

// Queued reports whether the entry is waiting for an offer.
func (e *PoolEntry) Queued() bool {
	return e.Status == EntryPending && e.RequestedAt == nil
}

func (e *PoolEntry) Clone() PoolEntry {
	cp := *e
	cp.RequestedAt = clonePtr(e.RequestedAt)
	cp.RespondedAt = clonePtr(e.RespondedAt)
	cp.TimeoutAt = clonePtr(e.TimeoutAt)
	cp.ResponseTimeSeconds = clonePtr(e.ResponseTimeSeconds)
	cp.RejectionReason = clonePtr(e.RejectionReason)
	return cp
}

// Offer stamps the offer window on a queued entry.
func (e *PoolEntry) Offer(now time.Time, wait time.Duration) {
	requested := now
	timeout := now.Add(wait)
	e.RequestedAt = &requested
	e.TimeoutAt = &timeout
}

// Respond records a terminal driver response. response_time_seconds is
// responded_at minus requested_at, truncated to the second.
func (e *PoolEntry) Respond(status EntryStatus, now time.Time, reason string) {
	e.Status = status
	responded := now
	e.RespondedAt = &responded
	if e.RequestedAt != nil {
		secs := int(now.Sub(*e.RequestedAt) / time.Second)
		e.ResponseTimeSeconds = &secs
	}
	if reason != "" {
		e.RejectionReason = &reason
	}
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusDraft:         {StatusPending, StatusCancelled},
	StatusPending:       {StatusAccepted, StatusCancelled},
	StatusAccepted:      {StatusDriverArrived, StatusCancelled},
	StatusDriverArrived: {StatusInProgress, StatusCancelled},
	StatusInProgress:    {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// ActiveStatuses are the states in which an order binds its customer and
// driver.
var ActiveStatuses = []Status{StatusDraft, StatusPending, StatusAccepted, StatusDriverArrived, StatusInProgress}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
