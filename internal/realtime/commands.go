package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"manifold-hub/internal/events"
	"manifold-hub/internal/reconcile"
)

// Session commands accepted over the socket.
const (
	JoinDevice            = "joinDevice"
	LeaveDevice           = "leaveDevice"
	JoinManifold          = "joinManifold"
	LeaveManifold         = "leaveManifold"
	RequestDeviceStatus   = "requestDeviceStatus"
	RequestManifoldStatus = "requestManifoldStatus"
)

// Command is one session frame, e.g. {"type":"joinManifold","manifoldId":"M1"}.
type Command struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId,omitempty"`
	ManifoldID string `json:"manifoldId,omitempty"`
}

func (h *Hub) handleCommand(c *client, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.reply(c, events.ErrorType, events.Error{Message: "invalid command frame"})
		return
	}
	deviceID := strings.TrimSpace(cmd.DeviceID)
	manifoldID := strings.TrimSpace(cmd.ManifoldID)

	switch cmd.Type {
	case JoinDevice, LeaveDevice, RequestDeviceStatus:
		if deviceID == "" {
			h.reply(c, events.ErrorType, events.Error{Command: cmd.Type, Message: "deviceId is required"})
			return
		}
	case JoinManifold, LeaveManifold, RequestManifoldStatus:
		if manifoldID == "" {
			h.reply(c, events.ErrorType, events.Error{Command: cmd.Type, Message: "manifoldId is required"})
			return
		}
	default:
		h.reply(c, events.ErrorType, events.Error{Command: cmd.Type, Message: "unknown command"})
		return
	}

	if h.state == nil && (cmd.Type == RequestDeviceStatus || cmd.Type == RequestManifoldStatus) {
		h.reply(c, events.ErrorType, events.Error{Command: cmd.Type, Message: "state unavailable"})
		return
	}

	switch cmd.Type {
	case JoinDevice:
		h.join(c, events.RoomDevice(deviceID))
	case LeaveDevice:
		h.leave(c, events.RoomDevice(deviceID))
	case JoinManifold:
		h.join(c, events.RoomManifold(manifoldID))
	case LeaveManifold:
		h.leave(c, events.RoomManifold(manifoldID))
	case RequestDeviceStatus:
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		st, err := h.state.DeviceStatus(ctx, deviceID)
		if err != nil {
			h.reply(c, events.ErrorType, events.Error{Command: cmd.Type, Message: sessionMessage(cmd.Type, deviceID, err)})
			return
		}
		h.reply(c, events.DeviceStatusType, st)
	case RequestManifoldStatus:
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		st, err := h.state.ManifoldStatus(ctx, manifoldID)
		if err != nil {
			h.reply(c, events.ErrorType, events.Error{Command: cmd.Type, Message: sessionMessage(cmd.Type, manifoldID, err)})
			return
		}
		h.reply(c, events.ManifoldStatusType, st)
	}
}

// sessionMessage maps a state lookup error to the text a session may see. Anything
// unexpected is logged and replaced with a generic message.
func sessionMessage(command, id string, err error) string {
	switch {
	case errors.Is(err, reconcile.ErrDeviceNotFound):
		return "device not found"
	case errors.Is(err, reconcile.ErrAmbiguousDevice):
		return "device id is ambiguous"
	case errors.Is(err, reconcile.ErrManifoldNotFound):
		return "manifold not found"
	default:
		slog.Error("realtime state request failed", "command", command, "id", id, "error", err)
		return "status lookup failed"
	}
}
