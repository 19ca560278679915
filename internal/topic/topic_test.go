package topic

import (
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := []struct {
		raw   string
		want  Descriptor
		kind  Kind
		isSys bool
	}{
		{"devices/abc123/online", Descriptor{Raw: "devices/abc123/online", Prefix: "devices", EntityID: "abc123", EventType: "online"}, KindDevice, false},
		{"manifolds/M1/ack", Descriptor{Raw: "manifolds/M1/ack", Prefix: "manifolds", EntityID: "M1", EventType: "ack"}, KindManifold, false},
		{"devices/abc", Descriptor{Raw: "devices/abc", Prefix: "devices", EntityID: "abc"}, KindDevice, false},
		{"devices/abc/data/extra", Descriptor{Raw: "devices/abc/data/extra", Prefix: "devices", EntityID: "abc", EventType: "data/extra"}, KindDevice, false},
		{"$SYS/broker/uptime", Descriptor{Raw: "$SYS/broker/uptime", Prefix: "$SYS", EntityID: "broker", EventType: "uptime"}, KindOther, true},
		{"lights/kitchen", Descriptor{Raw: "lights/kitchen", Prefix: "lights", EntityID: "kitchen"}, KindOther, false},
	}
	for _, tc := range cases {
		got := Parse(tc.raw)
		if got != tc.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
		if got.Kind() != tc.kind {
			t.Fatalf("Parse(%q).Kind() = %q, want %q", tc.raw, got.Kind(), tc.kind)
		}
		if got.IsSystem() != tc.isSys {
			t.Fatalf("Parse(%q).IsSystem() = %v", tc.raw, got.IsSystem())
		}
	}
}

func TestBuildAndDeviceKey(t *testing.T) {
	if got := Build(KindManifold, "M1", EventCommand); got != "manifolds/M1/command" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := DeviceKey("abc123"); got != "devices/abc123" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestParseOnline(t *testing.T) {
	for in, want := range map[string]bool{"true": true, `"true"`: true, " TRUE\n": true, "false": false, `"false"`: false} {
		got, err := ParseOnline([]byte(in))
		if err != nil {
			t.Fatalf("ParseOnline(%q) err: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseOnline(%q) = %v", in, got)
		}
	}
	if _, err := ParseOnline([]byte("maybe")); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestParseReadingFlatAndNestedAgree(t *testing.T) {
	flat, err := ParseReading([]byte(`{"temperature":21.5,"humidity":60}`))
	if err != nil {
		t.Fatalf("flat: %v", err)
	}
	nested, err := ParseReading([]byte(`{"data":{"temperature":21.5,"humidity":60}}`))
	if err != nil {
		t.Fatalf("nested: %v", err)
	}
	if flat != nested {
		t.Fatalf("flat %+v != nested %+v", flat, nested)
	}
	if flat.Value != 0 {
		t.Fatalf("missing value should default to 0, got %v", flat.Value)
	}
}

func TestParseReadingRejectsGarbage(t *testing.T) {
	for _, in := range []string{`{not-json`, `[1,2]`, `{"data":5}`, `null`, ` null `, `22`, `"x"`} {
		if _, err := ParseReading([]byte(in)); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("ParseReading(%q) expected malformed, got %v", in, err)
		}
	}
}

func TestParseManifoldStatusTimestamps(t *testing.T) {
	recv := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{`{"valves":[{"valveNumber":1,"status":"ON"}]}`, recv},
		{`{"valves":[],"timestamp":"2025-01-02T03:04:05Z"}`, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{`{"valves":[],"timestamp":1735787045}`, time.Unix(1735787045, 0).UTC()},
		{`{"valves":[],"timestamp":1735787045123}`, time.UnixMilli(1735787045123).UTC()},
		{`{"valves":[],"timestamp":"garbage"}`, recv},
	}
	for _, tc := range cases {
		got, err := ParseManifoldStatus([]byte(tc.in), recv)
		if err != nil {
			t.Fatalf("ParseManifoldStatus(%s): %v", tc.in, err)
		}
		if !got.Timestamp.Equal(tc.want) {
			t.Fatalf("ParseManifoldStatus(%s) ts = %v, want %v", tc.in, got.Timestamp, tc.want)
		}
	}
	got, _ := ParseManifoldStatus([]byte(`{"valves":[{"valveNumber":2,"status":"OFF"}]}`), recv)
	if len(got.Valves) != 1 || got.Valves[0].ValveNumber != 2 || got.Valves[0].Status != "OFF" {
		t.Fatalf("unexpected valves: %+v", got.Valves)
	}
}

func TestParseAck(t *testing.T) {
	id, err := ParseAck([]byte(`{"commandId":"cmd-9"}`))
	if err != nil || id != "cmd-9" {
		t.Fatalf("ParseAck = %q, %v", id, err)
	}
	if _, err := ParseAck([]byte(`{}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed for missing id, got %v", err)
	}
}
