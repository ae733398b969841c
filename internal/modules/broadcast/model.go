// README: Broadcast groups, event names and the frame written to every transport.
package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"vtc/internal/types"
)

const (
	EventDriverOffer    = "driver_offer"
	EventOfferRevoked   = "offer_revoked"
	EventOrderStatus    = "order_status"
	EventDriverLocation = "driver_location"
	EventDriverStatus   = "driver_status"
	EventPong           = "pong"
)

// Publisher delivers one event to every session bound to groupKey.
// Delivery is best-effort; callers never depend on it for correctness.
type Publisher interface {
	Publish(ctx context.Context, groupKey, eventType string, payload any) error
}

// Message is the frame pushed to clients.
type Message struct {
	Group  string          `json:"group,omitempty"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	SentAt time.Time       `json:"sent_at"`
}

func NewMessage(groupKey, eventType string, payload any) (Message, error) {
	msg := Message{Group: groupKey, Type: eventType, SentAt: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Data = data
	}
	return msg, nil
}

func DriverGroup(id types.ID) string {
	return string(types.ActorDriver) + ":" + string(id)
}

func CustomerGroup(id types.ID) string {
	return string(types.ActorCustomer) + ":" + string(id)
}

// GroupFor returns the group of a driver or customer actor.
func GroupFor(a types.Actor) (string, bool) {
	switch a.Kind {
	case types.ActorDriver:
		return DriverGroup(a.ID), true
	case types.ActorCustomer:
		return CustomerGroup(a.ID), true
	}
	return "", false
}

// ParseGroup is the inverse of DriverGroup / CustomerGroup.
func ParseGroup(key string) (types.Actor, bool) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return types.Actor{}, false
	}
	switch types.ActorKind(kind) {
	case types.ActorDriver:
		return types.Driver(types.ID(id)), true
	case types.ActorCustomer:
		return types.Customer(types.ID(id)), true
	}
	return types.Actor{}, false
}
