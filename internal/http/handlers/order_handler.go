// README: Order handlers: create, read-back for polling clients, cancel and payment reconciliation.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"vtc/internal/http/middleware"
	"vtc/internal/modules/dispatch"
	"vtc/internal/modules/order"
	"vtc/internal/modules/pool"
	"vtc/internal/types"
)

type OrderHandler struct {
	dispatch *dispatch.Service
}

func NewOrderHandler(svc *dispatch.Service) *OrderHandler {
	return &OrderHandler{dispatch: svc}
}

type createOrderReq struct {
	Pickup      pointReq `json:"pickup" binding:"required"`
	Destination pointReq `json:"destination" binding:"required"`
	VehicleType string   `json:"vehicle_type" binding:"required,vehicle_type"`
	Zone        string   `json:"zone" binding:"max=64"`
	DeviceToken string   `json:"device_token"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	o, err := h.dispatch.Create(c.Request.Context(), dispatch.CreateCommand{
		CustomerID:    types.ID(middleware.CallerUID(c)),
		Pickup:        req.Pickup.point(),
		Destination:   req.Destination.point(),
		VehicleType:   req.VehicleType,
		Zone:          req.Zone,
		ChannelHandle: req.DeviceToken,
	})
	if errors.Is(err, pool.ErrNoDriversAvailable) && o != nil {
		writeJSON(c, http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "order": o})
		return
	}
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, o)
}

func (h *OrderHandler) Active(c *gin.Context) {
	o, err := h.dispatch.Active(c.Request.Context(), middleware.Caller(c))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, err := h.dispatch.Get(c.Request.Context(), types.ID(c.Param("id")), middleware.Caller(c))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Pool(c *gin.Context) {
	entries, err := h.dispatch.Entries(c.Request.Context(), types.ID(c.Param("id")), middleware.Caller(c))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"entries": entries})
}

// Events serves the ledger after ?since= (RFC 3339), for catch-up after a
// dropped websocket.
func (h *OrderHandler) Events(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}
	events, err := h.dispatch.Events(c.Request.Context(), types.ID(c.Param("id")), since, middleware.Caller(c))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"events": events})
}

func (h *OrderHandler) Trip(c *gin.Context) {
	samples, err := h.dispatch.Trip(c.Request.Context(), types.ID(c.Param("id")), middleware.Caller(c))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"samples": samples})
}

type cancelReq struct {
	Reason string `json:"reason" binding:"max=255"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	o, err := h.dispatch.Cancel(c.Request.Context(), dispatch.CancelCommand{
		OrderID: types.ID(c.Param("id")),
		Actor:   middleware.Caller(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

type paymentReq struct {
	PaymentStatus string `json:"payment_status" binding:"required"`
	Notes         string `json:"notes" binding:"max=255"`
}

// Payment is called by the payment subsystem with a system token.
func (h *OrderHandler) Payment(c *gin.Context) {
	var req paymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	o, err := h.dispatch.RecordPayment(c.Request.Context(), dispatch.PaymentCommand{
		OrderID: types.ID(c.Param("id")),
		Actor:   middleware.Caller(c),
		Status:  order.PaymentStatus(req.PaymentStatus),
		Notes:   req.Notes,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}
