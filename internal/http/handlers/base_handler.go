// README: Base handler utilities (JSON helpers, request validation, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"vtc/internal/modules/geo"
	"vtc/internal/modules/order"
	"vtc/internal/modules/pool"
	"vtc/internal/modules/presence"
	"vtc/internal/types"
)

type errorResponse struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome,omitempty"`
}

// VehicleTypes are the vehicle classes accepted on orders and driver sessions.
var VehicleTypes = map[string]bool{"standard": true, "comfort": true, "van": true}

// RegisterValidators adds the vehicle_type rule to gin's validator.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("gin validator engine is not go-playground/validator")
	}
	return v.RegisterValidation("vehicle_type", func(fl validator.FieldLevel) bool {
		return VehicleTypes[fl.Field().String()]
	})
}

type pointReq struct {
	Lat *float64 `json:"lat" binding:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" binding:"required,gte=-180,lte=180"`
}

func (p pointReq) point() types.Point {
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}
}

// locationReq is a device ping. Missing readings stay nil.
type locationReq struct {
	pointReq
	SpeedKmh   *float64   `json:"speed_kmh" binding:"omitempty,gte=0"`
	HeadingDeg *float64   `json:"heading_deg"`
	AccuracyM  *float64   `json:"accuracy_m" binding:"omitempty,gte=0"`
	RecordedAt *time.Time `json:"recorded_at"`
}

func (r locationReq) update() presence.LocationUpdate {
	upd := presence.LocationUpdate{
		Position:   r.point(),
		SpeedKmh:   r.SpeedKmh,
		HeadingDeg: r.HeadingDeg,
		AccuracyM:  r.AccuracyM,
	}
	if r.RecordedAt != nil {
		upd.At = *r.RecordedAt
	}
	return upd
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, geo.ErrInvalidCoordinate):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotParticipant):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, presence.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrAlreadyAssigned), errors.Is(err, order.ErrOfferNotActive):
		writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), Outcome: "offer_unavailable"})
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrActiveOrder),
		errors.Is(err, order.ErrConflict), errors.Is(err, presence.ErrDriverBusy):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, pool.ErrNoDriversAvailable):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
