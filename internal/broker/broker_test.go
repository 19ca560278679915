package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	topics []string
}

func (h *recordingHandler) Handle(_ context.Context, topic string, _ []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
	return true
}

func (h *recordingHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.topics...)
}

func TestIngressHook_SkipsInlineClient(t *testing.T) {
	var got []string
	h := &ingressHook{dispatch: func(topic string, _ []byte) { got = append(got, topic) }}

	require.True(t, h.Provides(mqtt.OnPublished))
	require.False(t, h.Provides(mqtt.OnConnect))

	h.OnPublished(&mqtt.Client{}, packets.Packet{TopicName: "devices/a/online", Payload: []byte("true")})
	inline := &mqtt.Client{}
	inline.Net.Inline = true
	h.OnPublished(inline, packets.Packet{TopicName: "manifolds/M1/command"})
	h.OnPublished(&mqtt.Client{}, packets.Packet{TopicName: "devices/b/online"})

	require.Equal(t, []string{"devices/a/online", "devices/b/online"}, got)
}

func TestIngressHook_RecoversPanics(t *testing.T) {
	h := &ingressHook{dispatch: func(string, []byte) { panic("boom") }}
	require.NotPanics(t, func() {
		h.OnPublished(&mqtt.Client{}, packets.Packet{TopicName: "devices/a/data"})
	})
}

func TestPublish_RequiresRunningBroker(t *testing.T) {
	b := New(Config{}, &recordingHandler{})
	require.ErrorIs(t, b.Publish("manifolds/M1/command", []byte("{}")), ErrNotRunning)
}

func TestPublish_InlineDoesNotReenterPipeline(t *testing.T) {
	handler := &recordingHandler{}
	b := New(Config{TCPAddr: "127.0.0.1:0"}, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return b.Publish("manifolds/M1/command", []byte(`{"commandId":"c1"}`)) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Give the server a moment in case the publish were routed back through the hook.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, handler.seen())
	require.Zero(t, b.Clients())
}
