package ingest

import (
	"context"
	"testing"
	"time"

	"manifold-hub/internal/reconcile"
	"manifold-hub/internal/topic"
)

type call struct {
	op      string
	id      string
	online  bool
	payload string
	report  topic.ManifoldStatus
	command string
}

type fakeDevices struct {
	calls   []call
	touched []string
	panicOn string
}

func (f *fakeDevices) Touch(id string) { f.touched = append(f.touched, id) }

func (f *fakeDevices) ApplyOnline(_ context.Context, id string, online bool) reconcile.Outcome {
	if id == f.panicOn {
		panic("boom")
	}
	f.calls = append(f.calls, call{op: "online", id: id, online: online})
	return reconcile.Applied
}

func (f *fakeDevices) ApplyData(_ context.Context, id string, payload []byte) reconcile.Outcome {
	f.calls = append(f.calls, call{op: "data", id: id, payload: string(payload)})
	return reconcile.Applied
}

type fakeManifolds struct {
	calls []call
}

func (f *fakeManifolds) ApplyStatus(_ context.Context, id string, report topic.ManifoldStatus) reconcile.Outcome {
	f.calls = append(f.calls, call{op: "status", id: id, report: report})
	return reconcile.Applied
}

func (f *fakeManifolds) ApplyOnline(_ context.Context, id string, online bool) reconcile.Outcome {
	f.calls = append(f.calls, call{op: "online", id: id, online: online})
	return reconcile.Applied
}

func (f *fakeManifolds) ApplyAck(_ context.Context, id, commandID string) reconcile.Outcome {
	f.calls = append(f.calls, call{op: "ack", id: id, command: commandID})
	return reconcile.Applied
}

func newPipeline() (*Pipeline, *fakeDevices, *fakeManifolds) {
	dev := &fakeDevices{}
	man := &fakeManifolds{}
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	return &Pipeline{Devices: dev, Manifolds: man, Now: func() time.Time { return now }}, dev, man
}

func TestHandle_RoutesDeviceEvents(t *testing.T) {
	p, dev, _ := newPipeline()
	ctx := context.Background()

	if !p.Handle(ctx, "devices/abc123/online", []byte(`"true"`)) {
		t.Fatalf("device topic must be consumed")
	}
	p.Handle(ctx, "devices/abc123/data", []byte(`{"temperature":22.1}`))

	if len(dev.calls) != 2 {
		t.Fatalf("expected 2 calls, got %+v", dev.calls)
	}
	if c := dev.calls[0]; c.op != "online" || c.id != "abc123" || !c.online {
		t.Fatalf("unexpected online call: %+v", dev.calls[0])
	}
	if dev.calls[1].op != "data" || dev.calls[1].payload != `{"temperature":22.1}` {
		t.Fatalf("unexpected data call: %+v", dev.calls[1])
	}
}

func TestHandle_RoutesManifoldEvents(t *testing.T) {
	p, _, man := newPipeline()
	ctx := context.Background()

	p.Handle(ctx, "manifolds/M1/status", []byte(`{"valves":[{"valveNumber":2,"status":"ON"}]}`))
	p.Handle(ctx, "manifolds/M1/online", []byte(`false`))
	p.Handle(ctx, "manifolds/M1/ack", []byte(`{"commandId":"cmd-9"}`))

	if len(man.calls) != 3 {
		t.Fatalf("expected 3 calls, got %+v", man.calls)
	}
	st := man.calls[0].report
	if len(st.Valves) != 1 || st.Valves[0].ValveNumber != 2 || !st.Timestamp.Equal(p.Now()) {
		t.Fatalf("unexpected status report: %+v", st)
	}
	if man.calls[1].op != "online" || man.calls[1].online {
		t.Fatalf("unexpected online call: %+v", man.calls[1])
	}
	if man.calls[2].command != "cmd-9" {
		t.Fatalf("unexpected ack call: %+v", man.calls[2])
	}
}

func TestHandle_IgnoresSystemAndForeignTopics(t *testing.T) {
	p, dev, man := newPipeline()
	ctx := context.Background()

	for _, tp := range []string{"$SYS/broker/uptime", "$share/g/devices/x/online", "lights/kitchen/set", "devicesX/abc/online"} {
		if p.Handle(ctx, tp, []byte("true")) {
			t.Fatalf("%s must not be consumed", tp)
		}
	}
	if len(dev.calls)+len(man.calls)+len(dev.touched) != 0 {
		t.Fatalf("reconcilers were reached: %+v %+v", dev, man)
	}
}

func TestHandle_UnhandledDeviceEventStillTouchesHeartbeat(t *testing.T) {
	p, dev, _ := newPipeline()
	ctx := context.Background()

	p.Handle(ctx, "devices/abc123/firmware", []byte("1.2.3"))
	p.Handle(ctx, "devices/abc123", nil)
	p.Handle(ctx, "devices/abc123/online", []byte("maybe"))

	if len(dev.calls) != 0 {
		t.Fatalf("no reconcile call expected, got %+v", dev.calls)
	}
	if len(dev.touched) != 3 {
		t.Fatalf("expected heartbeat touched 3 times, got %v", dev.touched)
	}
}

func TestHandle_MalformedManifoldPayloadsAreDropped(t *testing.T) {
	p, _, man := newPipeline()
	ctx := context.Background()

	p.Handle(ctx, "manifolds/M1/status", []byte(`not json`))
	p.Handle(ctx, "manifolds/M1/ack", []byte(`{}`))
	p.Handle(ctx, "manifolds/M1/online", []byte(`"yes"`))
	p.Handle(ctx, "manifolds/M1/command", []byte(`{"commandId":"c"}`))

	if len(man.calls) != 0 {
		t.Fatalf("malformed payloads reached the reconciler: %+v", man.calls)
	}
}

func TestHandle_RecoversFromPanics(t *testing.T) {
	p, dev, _ := newPipeline()
	dev.panicOn = "bad"
	ctx := context.Background()

	if !p.Handle(ctx, "devices/bad/online", []byte("true")) {
		t.Fatalf("panicking topic is still consumed")
	}
	p.Handle(ctx, "devices/good/online", []byte("true"))
	if len(dev.calls) != 1 || dev.calls[0].id != "good" {
		t.Fatalf("pipeline did not survive the panic: %+v", dev.calls)
	}
}
