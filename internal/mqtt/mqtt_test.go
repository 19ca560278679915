package mqtt

import (
	"context"
	"errors"
	"testing"
)

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeHandler struct{ topics []string }

func (h *fakeHandler) Handle(_ context.Context, topic string, _ []byte) bool {
	h.topics = append(h.topics, topic)
	return true
}

func TestOptions_MapsSchemes(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"mqtt://broker:1883", "tcp://broker:1883"},
		{"tcp://broker:1883", "tcp://broker:1883"},
		{"mqtts://broker:8883", "ssl://broker:8883"},
		{"ws://broker:9001/mqtt", "ws://broker:9001/mqtt"},
	}
	for _, tc := range cases {
		opts, err := NewBridge(tc.in, "test", &fakeHandler{}).options()
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if len(opts.Servers) != 1 || opts.Servers[0].String() != tc.want {
			t.Fatalf("%s: expected %s, got %v", tc.in, tc.want, opts.Servers)
		}
	}
	if _, err := NewBridge("http://broker", "test", &fakeHandler{}).options(); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestOnMessage_SkipsRetained(t *testing.T) {
	h := &fakeHandler{}
	b := NewBridge("mqtt://broker:1883", "test", h)
	b.onMessage(nil, fakeMessage{topic: "devices/a/online", payload: []byte("true"), retained: true})
	b.onMessage(nil, fakeMessage{topic: "devices/b/online", payload: []byte("true")})
	if len(h.topics) != 1 || h.topics[0] != "devices/b/online" {
		t.Fatalf("unexpected topics: %v", h.topics)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	b := NewBridge("mqtt://broker:1883", "test", &fakeHandler{})
	if err := b.Publish("manifolds/M1/command", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
