// README: Actor is the driver-or-customer-or-system reference attached to lifecycle events.
package types

import "fmt"

type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorDriver   ActorKind = "driver"
	ActorCustomer ActorKind = "customer"
)

// Actor is a tagged union: Kind selects which party ID refers to.
// The system actor carries no ID.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   ID        `json:"id,omitempty"`
}

func Driver(id ID) Actor   { return Actor{Kind: ActorDriver, ID: id} }
func Customer(id ID) Actor { return Actor{Kind: ActorCustomer, ID: id} }
func System() Actor        { return Actor{Kind: ActorSystem} }

func (a Actor) IsDriver() bool   { return a.Kind == ActorDriver }
func (a Actor) IsCustomer() bool { return a.Kind == ActorCustomer }
func (a Actor) IsSystem() bool   { return a.Kind == ActorSystem || a.Kind == "" }

func (a Actor) String() string {
	if a.IsSystem() {
		return string(ActorSystem)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}

// ParseActorKind maps a JWT role claim onto an actor kind.
func ParseActorKind(role string) (ActorKind, bool) {
	switch ActorKind(role) {
	case ActorDriver, ActorCustomer, ActorSystem:
		return ActorKind(role), true
	}
	return "", false
}
