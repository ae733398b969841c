// README: Websocket entry point; binds the session to the caller's broadcast group.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vtc/internal/http/middleware"
	"vtc/internal/modules/broadcast"
)

type WSHandler struct {
	hub *broadcast.Hub
}

func NewWSHandler(hub *broadcast.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

func (h *WSHandler) Serve(c *gin.Context) {
	group, ok := broadcast.GroupFor(middleware.Caller(c))
	if !ok {
		writeError(c, http.StatusForbidden, "no broadcast group for role")
		return
	}
	// Upgrade writes its own error response on failure.
	if err := h.hub.Serve(c.Writer, c.Request, group); err != nil {
		_ = c.Error(err)
	}
}
