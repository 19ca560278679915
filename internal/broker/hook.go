package broker

import (
	"bytes"
	"log/slog"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// ingressHook hands every network publish to the pipeline once the broker has accepted it.
// mochi runs OnPublished on the publishing client's read loop, so one client's messages are
// processed in the order they arrived.
type ingressHook struct {
	mqtt.HookBase
	dispatch func(topic string, payload []byte)
}

func (h *ingressHook) ID() string { return "manifold-hub-ingress" }

func (h *ingressHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mqtt.OnPublished}, []byte{b})
}

func (h *ingressHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	if cl != nil && cl.Net.Inline {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mqtt ingress panic", "topic", pk.TopicName, "panic", r)
		}
	}()
	h.dispatch(pk.TopicName, pk.Payload)
}
