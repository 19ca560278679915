// Package events holds the realtime event names, payloads and room naming shared by the
// reconcilers that produce them and the hub that delivers them.
package events

import "time"

const (
	DeviceStatusType        = "deviceStatus"
	DeviceDataType          = "deviceData"
	ManifoldStatusType      = "manifoldStatus"
	ManifoldOnlineType      = "manifoldOnline"
	CommandAcknowledgedType = "commandAcknowledged"
	ErrorType               = "error"
)

// Global is the room every session receives.
const Global = ""

func RoomDevice(deviceID string) string     { return "device:" + deviceID }
func RoomManifold(manifoldID string) string { return "manifold:" + manifoldID }

// Emitter delivers an event to the sessions of a room. Implementations must not block on
// slow receivers.
type Emitter interface {
	Emit(room, eventType string, data any)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(string, string, any) {}

type DeviceStatus struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

type Reading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

type DeviceData struct {
	DeviceID string  `json:"deviceId"`
	Data     Reading `json:"data"`
}

type ValveState struct {
	ValveNumber int    `json:"valveNumber"`
	Status      string `json:"status"`
	Mode        string `json:"mode,omitempty"`
}

type ManifoldStatus struct {
	ManifoldID string       `json:"manifoldId"`
	Valves     []ValveState `json:"valves"`
	Timestamp  time.Time    `json:"timestamp"`
}

type ManifoldOnline struct {
	ManifoldID string    `json:"manifoldId"`
	IsOnline   bool      `json:"isOnline"`
	Timestamp  time.Time `json:"timestamp"`
}

type CommandAcknowledged struct {
	CommandID  string    `json:"commandId"`
	ManifoldID string    `json:"manifoldId"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error answers a session command that could not be served.
type Error struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}
