// README: Driver presence handlers: online/offline sessions, location pings and status.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"vtc/internal/http/middleware"
	"vtc/internal/modules/dispatch"
	"vtc/internal/modules/presence"
	"vtc/internal/types"
)

type LocationHandler struct {
	presence *presence.Service
	dispatch *dispatch.Service
}

func NewLocationHandler(p *presence.Service, d *dispatch.Service) *LocationHandler {
	return &LocationHandler{presence: p, dispatch: d}
}

type onlineReq struct {
	VehicleType string `json:"vehicle_type" binding:"omitempty,vehicle_type"`
	DeviceToken string `json:"device_token"`
}

func (h *LocationHandler) Online(c *gin.Context) {
	var req onlineReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.presence.SetOnline(c.Request.Context(), types.ID(middleware.CallerUID(c)), req.VehicleType, req.DeviceToken)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *LocationHandler) Offline(c *gin.Context) {
	d, err := h.presence.SetOffline(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

// Update stores the caller's ping. Out-of-order pings answer 200 with
// applied=false.
func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	applied, err := h.dispatch.ReportLocation(c.Request.Context(), types.ID(middleware.CallerUID(c)), req.update())
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"applied": applied})
}

func (h *LocationHandler) Status(c *gin.Context) {
	d, err := h.presence.Driver(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}
