package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"manifold-hub/internal/events"
	"manifold-hub/internal/model"
	"manifold-hub/internal/topic"
)

type ManifoldStore interface {
	ManifoldByManifoldID(ctx context.Context, manifoldID string, withValves bool) (*model.Manifold, error)
	UpdateValveStatuses(ctx context.Context, manifoldRef uuid.UUID, statuses map[int]string, at time.Time) (int, error)
	SetManifoldStatus(ctx context.Context, manifoldID string, status model.ManifoldStatus) (model.ManifoldStatus, *model.Manifold, error)
	AcknowledgeCommand(ctx context.Context, manifoldRef uuid.UUID, commandID string, at time.Time) (*model.ValveCommand, error)
}

// Manifolds applies manifold status, online and ack events. Every event it emits is scoped
// to the manifold's room.
type Manifolds struct {
	store ManifoldStore
	emit  events.Emitter

	Now func() time.Time
}

func NewManifolds(store ManifoldStore, emit events.Emitter) *Manifolds {
	if emit == nil {
		emit = events.Discard{}
	}
	return &Manifolds{store: store, emit: emit, Now: func() time.Time { return time.Now().UTC() }}
}

// ApplyStatus writes each reported valve status by valve number within the manifold. Unknown
// valve numbers are skipped; valves already in the reported state are left untouched so a
// replay changes nothing.
func (m *Manifolds) ApplyStatus(ctx context.Context, manifoldID string, report topic.ManifoldStatus) Outcome {
	mf, err := m.store.ManifoldByManifoldID(ctx, manifoldID, false)
	if err != nil {
		slog.Error("manifold lookup failed", "manifold_id", manifoldID, "error", err)
		return Failed
	}
	if mf == nil {
		slog.Debug("manifold status for unknown manifold", "manifold_id", manifoldID)
		return Unresolved
	}

	statuses := make(map[int]string, len(report.Valves))
	for _, v := range report.Valves {
		statuses[v.ValveNumber] = v.Status
	}
	changed, err := m.store.UpdateValveStatuses(ctx, mf.ID, statuses, m.Now())
	if err != nil {
		slog.Error("valve status update failed", "manifold_id", manifoldID, "error", err)
		return Failed
	}
	if changed == 0 {
		return Unchanged
	}

	fresh, err := m.store.ManifoldByManifoldID(ctx, manifoldID, true)
	if err != nil || fresh == nil {
		slog.Error("manifold reload failed", "manifold_id", manifoldID, "error", err)
		return Applied
	}
	slog.Debug("valve statuses applied", "manifold_id", manifoldID, "changed", changed)
	m.emit.Emit(events.RoomManifold(manifoldID), events.ManifoldStatusType, manifoldStatusEvent(fresh, report.Timestamp))
	return Applied
}

func (m *Manifolds) ApplyOnline(ctx context.Context, manifoldID string, online bool) Outcome {
	status := model.ManifoldOffline
	if online {
		status = model.ManifoldActive
	}
	prev, mf, err := m.store.SetManifoldStatus(ctx, manifoldID, status)
	if err != nil {
		slog.Error("manifold status update failed", "manifold_id", manifoldID, "error", err)
		return Failed
	}
	if mf == nil {
		slog.Debug("manifold online for unknown manifold", "manifold_id", manifoldID)
		return Unresolved
	}
	if prev == status {
		return Unchanged
	}
	slog.Info("manifold status changed", "manifold_id", manifoldID, "from", prev, "to", status)
	m.emit.Emit(events.RoomManifold(manifoldID), events.ManifoldOnlineType, events.ManifoldOnline{
		ManifoldID: manifoldID,
		IsOnline:   online,
		Timestamp:  m.Now(),
	})
	return Applied
}

// ApplyAck acknowledges a pending command of this manifold once. Unknown, repeated and
// cross-manifold acks are no-ops.
func (m *Manifolds) ApplyAck(ctx context.Context, manifoldID, commandID string) Outcome {
	mf, err := m.store.ManifoldByManifoldID(ctx, manifoldID, false)
	if err != nil {
		slog.Error("manifold lookup failed", "manifold_id", manifoldID, "error", err)
		return Failed
	}
	if mf == nil {
		slog.Debug("command ack for unknown manifold", "manifold_id", manifoldID, "command_id", commandID)
		return Unresolved
	}
	at := m.Now()
	cmd, err := m.store.AcknowledgeCommand(ctx, mf.ID, commandID, at)
	if err != nil {
		slog.Error("command ack failed", "manifold_id", manifoldID, "command_id", commandID, "error", err)
		return Failed
	}
	if cmd == nil {
		slog.Debug("command ack ignored", "manifold_id", manifoldID, "command_id", commandID)
		return Unchanged
	}
	if cmd.AcknowledgedAt != nil {
		at = *cmd.AcknowledgedAt
	}
	slog.Info("command acknowledged", "manifold_id", manifoldID, "command_id", commandID)
	m.emit.Emit(events.RoomManifold(manifoldID), events.CommandAcknowledgedType, events.CommandAcknowledged{
		CommandID:  commandID,
		ManifoldID: manifoldID,
		Timestamp:  at,
	})
	return Applied
}

func manifoldStatusEvent(mf *model.Manifold, at time.Time) events.ManifoldStatus {
	valves := make([]events.ValveState, 0, len(mf.Valves))
	for _, v := range mf.Valves {
		valves = append(valves, events.ValveState{
			ValveNumber: v.ValveNumber,
			Status:      v.OperationalData.CurrentStatus,
			Mode:        v.OperationalData.Mode,
		})
	}
	return events.ManifoldStatus{ManifoldID: mf.ManifoldID, Valves: valves, Timestamp: at}
}
