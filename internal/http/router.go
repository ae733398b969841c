// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vtc/internal/http/handlers"
	"vtc/internal/http/middleware"
	"vtc/internal/infra"
	"vtc/internal/modules/broadcast"
	"vtc/internal/modules/dispatch"
	"vtc/internal/modules/presence"
	"vtc/internal/types"
)

type RouterDeps struct {
	Dispatch *dispatch.Service
	Presence *presence.Service
	Hub      *broadcast.Hub
	Verifier infra.TokenVerifier
	Log      logrus.FieldLogger
}

func NewRouter(d RouterDeps) (*gin.Engine, error) {
	if err := handlers.RegisterValidators(); err != nil {
		return nil, err
	}
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(d.Verifier))
	customer := middleware.RequireRole(types.ActorCustomer)
	driver := middleware.RequireRole(types.ActorDriver)
	system := middleware.RequireRole(types.ActorSystem)

	orders := handlers.NewOrderHandler(d.Dispatch)
	api.POST("/orders", customer, orders.Create)
	api.GET("/orders/active", orders.Active)
	api.GET("/orders/:id", orders.Get)
	api.GET("/orders/:id/pool", orders.Pool)
	api.GET("/orders/:id/events", orders.Events)
	api.GET("/orders/:id/trip", orders.Trip)
	api.POST("/orders/:id/cancel", orders.Cancel)
	api.POST("/orders/:id/payment", system, orders.Payment)

	drivers := handlers.NewDriverHandler(d.Dispatch)
	api.POST("/orders/:id/accept", driver, drivers.Accept)
	api.POST("/orders/:id/reject", driver, drivers.Reject)
	api.POST("/orders/:id/arrive", driver, drivers.Arrive)
	api.POST("/orders/:id/start", driver, drivers.Start)
	api.POST("/orders/:id/complete", driver, drivers.Complete)

	loc := handlers.NewLocationHandler(d.Presence, d.Dispatch)
	api.POST("/drivers/me/online", driver, loc.Online)
	api.POST("/drivers/me/offline", driver, loc.Offline)
	api.PUT("/drivers/me/location", driver, loc.Update)
	api.GET("/drivers/me/status", driver, loc.Status)

	cust := handlers.NewCustomerHandler(d.Presence)
	api.PUT("/customers/me/location", customer, cust.UpdateLocation)
	api.GET("/customers/me/status", customer, cust.Status)

	if d.Hub != nil {
		ws := handlers.NewWSHandler(d.Hub)
		r.GET("/ws", middleware.Auth(d.Verifier), ws.Serve)
	}
	return r, nil
}
