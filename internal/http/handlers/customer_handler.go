// README: Customer presence handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vtc/internal/http/middleware"
	"vtc/internal/modules/presence"
	"vtc/internal/types"
)

type CustomerHandler struct {
	presence *presence.Service
}

func NewCustomerHandler(p *presence.Service) *CustomerHandler {
	return &CustomerHandler{presence: p}
}

func (h *CustomerHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	applied, err := h.presence.UpdateCustomerLocation(c.Request.Context(), types.ID(middleware.CallerUID(c)), req.update())
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"applied": applied})
}

func (h *CustomerHandler) Status(c *gin.Context) {
	cs, err := h.presence.Customer(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, cs)
}
