package ingest

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"manifold-hub/internal/observability"
	"manifold-hub/internal/reconcile"
	"manifold-hub/internal/topic"
)

type DeviceReconciler interface {
	Touch(deviceID string)
	ApplyOnline(ctx context.Context, deviceID string, online bool) reconcile.Outcome
	ApplyData(ctx context.Context, deviceID string, payload []byte) reconcile.Outcome
}

type ManifoldReconciler interface {
	ApplyStatus(ctx context.Context, manifoldID string, report topic.ManifoldStatus) reconcile.Outcome
	ApplyOnline(ctx context.Context, manifoldID string, online bool) reconcile.Outcome
	ApplyAck(ctx context.Context, manifoldID, commandID string) reconcile.Outcome
}

// Pipeline routes inbound publishes to the reconcilers. It never returns errors; failures are
// logged and counted per message.
type Pipeline struct {
	Devices   DeviceReconciler
	Manifolds ManifoldReconciler
	Tracer    oteltrace.Tracer
	Now       func() time.Time
}

// Handle processes one publish and reports whether the topic belongs to the core namespaces.
// System topics and foreign namespaces are left to normal broker delivery.
func (p *Pipeline) Handle(ctx context.Context, rawTopic string, payload []byte) bool {
	d := topic.Parse(rawTopic)
	if d.IsSystem() {
		return false
	}
	kind := d.Kind()
	if kind == topic.KindOther {
		return false
	}

	tracer := p.Tracer
	if tracer == nil {
		tracer = otel.Tracer("manifold-hub/ingest")
	}
	ctx, span := tracer.Start(ctx, "ingest "+string(kind), oteltrace.WithAttributes(
		attribute.String("mqtt.topic", rawTopic),
		attribute.String("entity.id", d.EntityID),
		attribute.String("event.type", d.EventType),
	))
	defer span.End()

	out := p.dispatch(ctx, d, payload)
	span.SetAttributes(attribute.String("ingest.outcome", string(out)))
	if out == reconcile.Failed {
		span.SetStatus(codes.Error, "reconcile failed")
	}
	observability.ObserveIngest(string(kind), eventLabel(d.EventType), string(out))
	return true
}

func (p *Pipeline) dispatch(ctx context.Context, d topic.Descriptor, payload []byte) (out reconcile.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingest panic recovered", "topic", d.Raw, "panic", r)
			out = reconcile.Failed
		}
	}()
	if d.EntityID == "" {
		slog.Debug("ingest topic without entity id", "topic", d.Raw)
		return reconcile.Ignored
	}
	switch d.Kind() {
	case topic.KindDevice:
		return p.device(ctx, d, payload)
	case topic.KindManifold:
		return p.manifold(ctx, d, payload)
	}
	return reconcile.Ignored
}

func (p *Pipeline) device(ctx context.Context, d topic.Descriptor, payload []byte) reconcile.Outcome {
	id := d.EntityID
	switch d.EventType {
	case topic.EventOnline:
		online, err := topic.ParseOnline(payload)
		if err != nil {
			p.Devices.Touch(id)
			slog.Warn("device online payload dropped", "device_id", id, "error", err)
			return reconcile.Malformed
		}
		return p.Devices.ApplyOnline(ctx, id, online)
	case topic.EventData:
		return p.Devices.ApplyData(ctx, id, payload)
	default:
		p.Devices.Touch(id)
		slog.Debug("unhandled device event", "device_id", id, "event", d.EventType)
		return reconcile.Ignored
	}
}

func (p *Pipeline) manifold(ctx context.Context, d topic.Descriptor, payload []byte) reconcile.Outcome {
	id := d.EntityID
	switch d.EventType {
	case topic.EventStatus:
		report, err := topic.ParseManifoldStatus(payload, p.now())
		if err != nil {
			slog.Warn("manifold status payload dropped", "manifold_id", id, "error", err)
			return reconcile.Malformed
		}
		return p.Manifolds.ApplyStatus(ctx, id, report)
	case topic.EventOnline:
		online, err := topic.ParseOnline(payload)
		if err != nil {
			slog.Warn("manifold online payload dropped", "manifold_id", id, "error", err)
			return reconcile.Malformed
		}
		return p.Manifolds.ApplyOnline(ctx, id, online)
	case topic.EventAck:
		commandID, err := topic.ParseAck(payload)
		if err != nil {
			slog.Warn("manifold ack payload dropped", "manifold_id", id, "error", err)
			return reconcile.Malformed
		}
		return p.Manifolds.ApplyAck(ctx, id, commandID)
	default:
		slog.Debug("unhandled manifold event", "manifold_id", id, "event", d.EventType)
		return reconcile.Ignored
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func eventLabel(ev string) string {
	switch ev {
	case topic.EventOnline, topic.EventData, topic.EventStatus, topic.EventAck, topic.EventCommand:
		return ev
	}
	return "other"
}
