// README: Driver handlers: offer responses and trip steps.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"vtc/internal/http/middleware"
	"vtc/internal/modules/dispatch"
	"vtc/internal/modules/order"
	"vtc/internal/types"
)

type DriverHandler struct {
	dispatch *dispatch.Service
}

func NewDriverHandler(svc *dispatch.Service) *DriverHandler {
	return &DriverHandler{dispatch: svc}
}

func (h *DriverHandler) Accept(c *gin.Context) {
	o, err := h.dispatch.Accept(c.Request.Context(), dispatch.AcceptCommand{
		OrderID:  types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

type rejectReq struct {
	Reason string `json:"reason" binding:"max=255"`
}

func (h *DriverHandler) Reject(c *gin.Context) {
	var req rejectReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	o, err := h.dispatch.Reject(c.Request.Context(), dispatch.RejectCommand{
		OrderID:  types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
		Reason:   req.Reason,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": o.ID, "status": o.Status})
}

func (h *DriverHandler) Arrive(c *gin.Context) {
	h.step(c, h.dispatch.Arrive)
}

func (h *DriverHandler) Start(c *gin.Context) {
	h.step(c, h.dispatch.StartTrip)
}

func (h *DriverHandler) Complete(c *gin.Context) {
	h.step(c, h.dispatch.Complete)
}

type stepReq struct {
	Position *pointReq `json:"position"`
}

func (h *DriverHandler) step(c *gin.Context, fn func(ctx context.Context, cmd dispatch.TripCommand) (*order.Order, error)) {
	var req stepReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	cmd := dispatch.TripCommand{
		OrderID:  types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	}
	if req.Position != nil {
		p := req.Position.point()
		cmd.Position = &p
	}
	o, err := fn(c.Request.Context(), cmd)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}
