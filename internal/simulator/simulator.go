// Package simulator plays a fleet of sensors and one valve manifold against the hub over MQTT.
// It answers valve commands with an ack followed by a status report, the way field firmware does.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"manifold-hub/internal/commands"
	"manifold-hub/internal/topic"
)

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Config struct {
	DeviceIDs  []string
	ManifoldID string
	Valves     int
	Interval   time.Duration
}

type Simulator struct {
	cfg Config

	// Publisher may be attached after New; the bridge carrying it also delivers commands.
	Publisher Publisher
	Now       func() time.Time

	mu        sync.Mutex
	valves    map[int]string
	announced bool
}

func New(cfg Config) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	valves := map[int]string{}
	for n := 1; n <= cfg.Valves; n++ {
		valves[n] = "OFF"
	}
	return &Simulator{cfg: cfg, Now: time.Now, valves: valves}
}

// Serve announces every simulated entity and reports on each interval until ctx is done, then
// marks them offline. The publisher must outlive ctx for the offline announcement to land.
func (s *Simulator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Tick()
		select {
		case <-ctx.Done():
			if err := s.announce(false); err != nil {
				slog.Warn("simulator offline announce failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Simulator) String() string { return "manifold-simulator" }

// Tick publishes one reading per device and the manifold's valve report. The first tick that
// reaches the broker also announces everything online.
func (s *Simulator) Tick() {
	s.mu.Lock()
	announced := s.announced
	s.mu.Unlock()
	if !announced {
		if err := s.announce(true); err != nil {
			slog.Debug("simulator announce deferred", "error", err)
			return
		}
		s.mu.Lock()
		s.announced = true
		s.mu.Unlock()
	}

	for _, id := range s.cfg.DeviceIDs {
		r := topic.Reading{
			Temperature: 18 + rand.Float64()*8,
			Humidity:    40 + rand.Float64()*30,
			Value:       rand.Float64() * 100,
		}
		if err := s.publish(topic.Build(topic.KindDevice, id, topic.EventData), r); err != nil {
			slog.Warn("simulator reading publish failed", "device_id", id, "error", err)
		}
	}
	if s.cfg.ManifoldID != "" {
		if err := s.publishStatus(); err != nil {
			slog.Warn("simulator status publish failed", "manifold_id", s.cfg.ManifoldID, "error", err)
		}
	}
}

// Handle implements the transport handler; only commands for the simulated manifold are taken.
func (s *Simulator) Handle(_ context.Context, raw string, payload []byte) bool {
	d := topic.Parse(raw)
	if d.Kind() != topic.KindManifold || d.EntityID != s.cfg.ManifoldID || d.EventType != topic.EventCommand {
		return false
	}
	if err := s.HandleCommand(payload); err != nil {
		slog.Warn("simulator command rejected", "manifold_id", s.cfg.ManifoldID, "error", err)
	}
	return true
}

// HandleCommand applies a valve command, acknowledges it and reports the new valve state.
func (s *Simulator) HandleCommand(payload []byte) error {
	var cmd commands.Payload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if strings.TrimSpace(cmd.CommandID) == "" {
		return errors.New("command without commandId")
	}

	s.mu.Lock()
	_, ok := s.valves[cmd.ValveNumber]
	if ok {
		switch cmd.Action {
		case "open":
			s.valves[cmd.ValveNumber] = "ON"
		case "close":
			s.valves[cmd.ValveNumber] = "OFF"
		default:
			s.valves[cmd.ValveNumber] = "FAULT"
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown valve %d", cmd.ValveNumber)
	}

	ackTopic := topic.Build(topic.KindManifold, s.cfg.ManifoldID, topic.EventAck)
	if err := s.publish(ackTopic, map[string]string{"commandId": cmd.CommandID}); err != nil {
		return fmt.Errorf("publish ack: %w", err)
	}
	return s.publishStatus()
}

func (s *Simulator) announce(online bool) error {
	for _, id := range s.cfg.DeviceIDs {
		if err := s.publish(topic.Build(topic.KindDevice, id, topic.EventOnline), online); err != nil {
			return err
		}
	}
	if s.cfg.ManifoldID != "" {
		return s.publish(topic.Build(topic.KindManifold, s.cfg.ManifoldID, topic.EventOnline), online)
	}
	return nil
}

func (s *Simulator) publishStatus() error {
	s.mu.Lock()
	valves := make([]topic.ValveReport, 0, len(s.valves))
	for n := 1; n <= s.cfg.Valves; n++ {
		valves = append(valves, topic.ValveReport{ValveNumber: n, Status: s.valves[n]})
	}
	s.mu.Unlock()
	report := struct {
		Valves    []topic.ValveReport `json:"valves"`
		Timestamp string              `json:"timestamp"`
	}{Valves: valves, Timestamp: s.Now().UTC().Format(time.RFC3339)}
	return s.publish(topic.Build(topic.KindManifold, s.cfg.ManifoldID, topic.EventStatus), report)
}

func (s *Simulator) publish(t string, v any) error {
	if s.Publisher == nil {
		return fmt.Errorf("simulator has no publisher")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Publisher.Publish(t, b)
}
