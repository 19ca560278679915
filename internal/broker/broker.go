package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

var ErrNotRunning = errors.New("mqtt broker not running")

// Handler consumes device publishes. Handle must not retain payload.
type Handler interface {
	Handle(ctx context.Context, topic string, payload []byte) bool
}

type Config struct {
	TCPAddr string
	WSAddr  string
}

// Broker is the embedded MQTT endpoint devices connect to. Publishes from network clients are
// fed to the handler in arrival order per client; Publish injects in-process without a
// network round trip.
type Broker struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu     sync.RWMutex
	server *mqtt.Server
	ctx    context.Context
}

func New(cfg Config, handler Handler) *Broker {
	return &Broker{cfg: cfg, handler: handler, logger: slog.Default().With("component", "mqtt-broker")}
}

// Serve starts a fresh server and blocks until ctx is done. It satisfies suture.Service.
func (b *Broker) Serve(ctx context.Context) error {
	server := mqtt.New(&mqtt.Options{InlineClient: true, Logger: b.logger})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("auth hook: %w", err)
	}
	if err := server.AddHook(&ingressHook{dispatch: b.dispatch}, nil); err != nil {
		return fmt.Errorf("ingress hook: %w", err)
	}
	if addr := strings.TrimSpace(b.cfg.TCPAddr); addr != "" {
		if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})); err != nil {
			return fmt.Errorf("tcp listener: %w", err)
		}
	}
	if addr := strings.TrimSpace(b.cfg.WSAddr); addr != "" {
		if err := server.AddListener(listeners.NewWebsocket(listeners.Config{ID: "ws", Address: addr})); err != nil {
			return fmt.Errorf("websocket listener: %w", err)
		}
	}

	b.mu.Lock()
	b.server, b.ctx = server, ctx
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.server, b.ctx = nil, nil
		b.mu.Unlock()
	}()

	if err := server.Serve(); err != nil {
		return fmt.Errorf("mqtt serve: %w", err)
	}
	slog.Info("mqtt broker listening", "tcp", b.cfg.TCPAddr, "ws", b.cfg.WSAddr)

	<-ctx.Done()
	if err := server.Close(); err != nil {
		slog.Warn("mqtt broker close failed", "error", err)
	}
	return ctx.Err()
}

func (b *Broker) String() string { return "mqtt-broker" }

// Publish delivers a message to subscribed clients through the inline client.
func (b *Broker) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	server := b.server
	b.mu.RUnlock()
	if server == nil {
		return ErrNotRunning
	}
	return server.Publish(topic, payload, false, 1)
}

// Clients reports connected network clients; zero when the broker is down.
func (b *Broker) Clients() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.server == nil {
		return 0
	}
	return atomic.LoadInt64(&b.server.Info.ClientsConnected)
}

func (b *Broker) dispatch(topic string, payload []byte) {
	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	b.handler.Handle(ctx, topic, payload)
}
