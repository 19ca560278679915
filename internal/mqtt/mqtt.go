package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Handler consumes publishes received from the upstream broker.
type Handler interface {
	Handle(ctx context.Context, topic string, payload []byte) bool
}

// Topics the bridge subscribes to upstream.
var Topics = []string{"devices/#", "manifolds/#"}

var ErrNotConnected = errors.New("upstream mqtt not connected")

// Bridge connects to an external broker, feeds device traffic into the same pipeline as the
// embedded broker and relays outbound commands upstream.
type Bridge struct {
	brokerURL string
	clientID  string
	handler   Handler

	mu  sync.RWMutex
	cli paho.Client
	ctx context.Context
}

func NewBridge(brokerURL, clientID string, handler Handler) *Bridge {
	if clientID == "" {
		clientID = "manifold-hub-" + time.Now().Format("150405.000")
	}
	return &Bridge{brokerURL: brokerURL, clientID: clientID, handler: handler}
}

func (b *Bridge) options() (*paho.ClientOptions, error) {
	u, err := url.Parse(b.brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	opts := paho.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls", "mqtts":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	opts.AddBroker(server)
	opts.SetClientID(b.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// Messages from one upstream connection are handled in arrival order.
	opts.SetOrderMatters(true)
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "mqtts" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.OnConnect = func(c paho.Client) {
		slog.Info("upstream mqtt connected", "broker", u.Host)
		go b.subscribe(c)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("upstream mqtt connection lost", "error", err)
	}
	return opts, nil
}

// Serve connects and stays subscribed until ctx is done. paho reconnects with backoff on its
// own; Serve only returns on cancellation or a bad configuration.
func (b *Bridge) Serve(ctx context.Context) error {
	opts, err := b.options()
	if err != nil {
		return err
	}
	cli := paho.NewClient(opts)
	b.mu.Lock()
	b.cli, b.ctx = cli, ctx
	b.mu.Unlock()

	// With ConnectRetry the token only completes once connected or disconnected.
	cli.Connect()
	<-ctx.Done()

	b.mu.Lock()
	b.cli = nil
	b.mu.Unlock()
	cli.Disconnect(250)
	return ctx.Err()
}

func (b *Bridge) String() string { return "mqtt-upstream-bridge" }

func (b *Bridge) subscribe(c paho.Client) {
	for _, topic := range Topics {
		t := c.Subscribe(topic, 1, b.onMessage)
		if !t.WaitTimeout(10*time.Second) || t.Error() != nil {
			slog.Error("upstream mqtt subscribe failed", "topic", topic, "error", t.Error())
			continue
		}
		slog.Info("upstream mqtt subscribed", "topic", topic)
	}
}

func (b *Bridge) onMessage(_ paho.Client, msg paho.Message) {
	if msg.Retained() {
		// Retained payloads are stale state.
		return
	}
	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	b.handler.Handle(ctx, msg.Topic(), msg.Payload())
}

// Publish sends a message upstream at QoS 1.
func (b *Bridge) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	cli := b.cli
	b.mu.RUnlock()
	if cli == nil || !cli.IsConnectionOpen() {
		return ErrNotConnected
	}
	t := cli.Publish(topic, 1, false, payload)
	if !t.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return t.Error()
}
