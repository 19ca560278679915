package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"manifold-hub/internal/events"
	"manifold-hub/internal/heartbeat"
	"manifold-hub/internal/model"
	"manifold-hub/internal/topic"
)

// DeviceStore is the persistence the device reconciler needs. Writes are conditional and
// return the post-update record, nil when the row vanished.
type DeviceStore interface {
	DeviceLookup
	SetDeviceStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus, seenAt time.Time) (model.DeviceStatus, *model.Device, error)
	DemoteDevice(ctx context.Context, id uuid.UUID) (*model.Device, error)
	ApplyDeviceReading(ctx context.Context, id uuid.UUID, data model.LastData, settings map[string]any) (model.DeviceStatus, *model.Device, error)
}

// StateCache remembers the last reading per device so identical redeliveries are not
// written to history twice.
type StateCache interface {
	Get(ctx context.Context, deviceID string) ([]byte, error)
	Set(ctx context.Context, deviceID string, readingJSON []byte) error
}

// TelemetrySink records telemetry history outside the primary store.
type TelemetrySink interface {
	WriteReading(ctx context.Context, deviceID string, r topic.Reading, at time.Time) error
}

// Devices applies device online and data events.
type Devices struct {
	store     DeviceStore
	heartbeat *heartbeat.Table
	emit      events.Emitter

	Resolver Resolver
	Cache    StateCache
	History  TelemetrySink
	Now      func() time.Time
}

func NewDevices(store DeviceStore, hb *heartbeat.Table, emit events.Emitter) *Devices {
	if emit == nil {
		emit = events.Discard{}
	}
	return &Devices{
		store:     store,
		heartbeat: hb,
		emit:      emit,
		Resolver:  ExactThenFuzzy{Lookup: store},
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Touch records liveness for a device message whose event type is not otherwise handled.
func (d *Devices) Touch(deviceID string) {
	if d.heartbeat != nil {
		d.heartbeat.Touch(deviceID)
	}
}

func (d *Devices) ApplyOnline(ctx context.Context, deviceID string, online bool) Outcome {
	d.Touch(deviceID)

	dev, out := d.resolve(ctx, deviceID)
	if dev == nil {
		return out
	}
	status := model.DeviceOffline
	if online {
		status = model.DeviceOnline
	}
	prev, updated, err := d.store.SetDeviceStatus(ctx, dev.ID, status, d.Now())
	if err != nil {
		slog.Error("device status update failed", "device_id", deviceID, "error", err)
		return Failed
	}
	if updated == nil {
		slog.Warn("device vanished during status update", "device_id", deviceID)
		return Unresolved
	}
	if prev == status {
		return Unchanged
	}
	slog.Info("device status changed", "device_id", deviceID, "from", prev, "to", status)
	d.emit.Emit(events.Global, events.DeviceStatusType, events.DeviceStatus{DeviceID: deviceID, Status: string(status)})
	return Applied
}

func (d *Devices) ApplyData(ctx context.Context, deviceID string, payload []byte) Outcome {
	d.Touch(deviceID)

	reading, err := topic.ParseReading(payload)
	if err != nil {
		slog.Warn("device data dropped", "device_id", deviceID, "error", err)
		return Malformed
	}
	dev, out := d.resolve(ctx, deviceID)
	if dev == nil {
		return out
	}

	now := d.Now()
	settings := map[string]any{
		"temperature": reading.Temperature,
		"humidity":    reading.Humidity,
		"value":       reading.Value,
	}
	prev, updated, err := d.store.ApplyDeviceReading(ctx, dev.ID, model.LastData{Timestamp: now, Value: reading.Value}, settings)
	if err != nil {
		slog.Error("device reading update failed", "device_id", deviceID, "error", err)
		return Failed
	}
	if updated == nil {
		slog.Warn("device vanished during reading update", "device_id", deviceID)
		return Unresolved
	}

	if prev != model.DeviceOnline {
		d.emit.Emit(events.Global, events.DeviceStatusType, events.DeviceStatus{DeviceID: deviceID, Status: string(model.DeviceOnline)})
	}
	d.emit.Emit(events.Global, events.DeviceDataType, events.DeviceData{
		DeviceID: deviceID,
		Data: events.Reading{
			Temperature: reading.Temperature,
			Humidity:    reading.Humidity,
			Value:       reading.Value,
			Timestamp:   now,
		},
	})
	d.record(ctx, deviceID, reading, now)
	return Applied
}

// Demote marks a device offline after heartbeat silence. It does not touch the heartbeat
// table. Unresolved ids are not an error; a failing store is, so the sweep can retry.
func (d *Devices) Demote(ctx context.Context, deviceID string) error {
	dev, err := d.Resolver.Resolve(ctx, deviceID)
	if err != nil {
		if unresolved(err) {
			slog.Debug("heartbeat demotion skipped", "device_id", deviceID, "reason", err)
			return nil
		}
		return err
	}
	updated, err := d.store.DemoteDevice(ctx, dev.ID)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	slog.Info("device marked offline after heartbeat timeout", "device_id", deviceID)
	d.emit.Emit(events.Global, events.DeviceStatusType, events.DeviceStatus{DeviceID: deviceID, Status: string(model.DeviceOffline)})
	return nil
}

func (d *Devices) resolve(ctx context.Context, deviceID string) (*model.Device, Outcome) {
	dev, err := d.Resolver.Resolve(ctx, deviceID)
	if err == nil {
		return dev, Applied
	}
	if unresolved(err) {
		slog.Warn("device unresolved, message dropped", "device_id", deviceID, "reason", err)
		return nil, Unresolved
	}
	slog.Error("device lookup failed", "device_id", deviceID, "error", err)
	return nil, Failed
}

// record writes history when the reading differs from the cached one. Side-store failures
// are logged only.
func (d *Devices) record(ctx context.Context, deviceID string, r topic.Reading, at time.Time) {
	if d.History == nil && d.Cache == nil {
		return
	}
	b, _ := json.Marshal(r)
	if d.Cache != nil {
		prev, err := d.Cache.Get(ctx, deviceID)
		if err != nil {
			slog.Debug("reading cache get failed", "device_id", deviceID, "error", err)
		} else if prev != nil && bytes.Equal(prev, b) {
			return
		}
		if err := d.Cache.Set(ctx, deviceID, b); err != nil {
			slog.Debug("reading cache set failed", "device_id", deviceID, "error", err)
		}
	}
	if d.History != nil {
		if err := d.History.WriteReading(ctx, deviceID, r, at); err != nil {
			slog.Warn("telemetry history write failed", "device_id", deviceID, "error", err)
		}
	}
}
