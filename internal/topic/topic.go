package topic

import "strings"

// Kind is the entity namespace a topic belongs to.
type Kind string

const (
	KindDevice   Kind = "devices"
	KindManifold Kind = "manifolds"
	KindOther    Kind = ""
)

// Event types carried in the third topic segment.
const (
	EventOnline  = "online"
	EventData    = "data"
	EventStatus  = "status"
	EventAck     = "ack"
	EventCommand = "command"
)

const systemSentinel = "$"

// Descriptor is the structural split of a topic: prefix/entityId/eventType.
// EventType holds everything after the second slash and may be empty.
type Descriptor struct {
	Raw       string
	Prefix    string
	EntityID  string
	EventType string
}

func Parse(raw string) Descriptor {
	d := Descriptor{Raw: raw}
	parts := strings.SplitN(raw, "/", 3)
	d.Prefix = parts[0]
	if len(parts) > 1 {
		d.EntityID = parts[1]
	}
	if len(parts) > 2 {
		d.EventType = parts[2]
	}
	return d
}

// IsSystem reports broker-internal topics ($SYS/..., $share/...).
func (d Descriptor) IsSystem() bool { return strings.HasPrefix(d.Prefix, systemSentinel) }

func (d Descriptor) Kind() Kind {
	switch Kind(d.Prefix) {
	case KindDevice:
		return KindDevice
	case KindManifold:
		return KindManifold
	default:
		return KindOther
	}
}

// Build joins a kind, entity id and event type back into a topic string.
func Build(kind Kind, entityID, eventType string) string {
	return string(kind) + "/" + entityID + "/" + eventType
}

// DeviceKey is the correlation key persisted on a device record.
func DeviceKey(deviceID string) string { return string(KindDevice) + "/" + deviceID }
