package arbitration

import (
	"encoding/hex"
	"strconv"

	"jobledger/core/types"
)

const (
	// EventTypeRegistered is emitted when an arbitrator joins the registry.
	EventTypeRegistered = "arbitration.registered"
)

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// NewRegisteredEvent returns the canonical event payload for a registration.
func NewRegisteredEvent(a *Arbitrator) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: EventTypeRegistered, Attributes: attrs}
	}
	attrs["arbitrator"] = hex.EncodeToString(a.Address[:])
	attrs["feeBps"] = strconv.FormatUint(uint64(a.FeeBps), 10)
	attrs["reputation"] = strconv.FormatUint(uint64(a.Reputation), 10)
	attrs["specialization"] = hex.EncodeToString(a.Specialization[:])
	attrs["registeredAt"] = strconv.FormatInt(a.RegisteredAt, 10)
	return &types.Event{Type: EventTypeRegistered, Attributes: attrs}
}
