package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"manifold-hub/internal/mqtt"
	"manifold-hub/internal/simulator"
)

type simConfig struct {
	BrokerURL  string        `koanf:"broker_url" validate:"required,url"`
	ClientID   string        `koanf:"client_id"`
	Devices    string        `koanf:"devices"`
	ManifoldID string        `koanf:"manifold_id"`
	Valves     int           `koanf:"valves" validate:"gte=0,lte=64"`
	Interval   time.Duration `koanf:"interval" validate:"gt=0"`
	LogLevel   string        `koanf:"log_level"`
}

// Environment: SIM_BROKER_URL, SIM_DEVICES (comma separated), SIM_MANIFOLD_ID, SIM_VALVES, SIM_INTERVAL.
func loadConfig() (simConfig, error) {
	k := koanf.New(".")
	def := simConfig{BrokerURL: "mqtt://localhost:1883", ClientID: "manifold-sim", Devices: "sensor-1", ManifoldID: "M1", Valves: 4, Interval: 5 * time.Second, LogLevel: "info"}
	if err := k.Load(structs.Provider(def, "koanf"), nil); err != nil {
		return simConfig{}, err
	}
	if err := k.Load(env.Provider("SIM_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SIM_"))
	}), nil); err != nil {
		return simConfig{}, err
	}
	var cfg simConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return simConfig{}, err
	}
	return cfg, validator.New().Struct(cfg)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("simulator config invalid", "error", err)
		os.Exit(1)
	}
	lvl := slog.LevelInfo
	if strings.EqualFold(cfg.LogLevel, "debug") {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))

	var devices []string
	for _, id := range strings.Split(cfg.Devices, ",") {
		if id = strings.TrimSpace(id); id != "" {
			devices = append(devices, id)
		}
	}

	sim := simulator.New(simulator.Config{DeviceIDs: devices, ManifoldID: strings.TrimSpace(cfg.ManifoldID), Valves: cfg.Valves, Interval: cfg.Interval})
	bridge := mqtt.NewBridge(cfg.BrokerURL, cfg.ClientID, sim)
	sim.Publisher = bridge

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logHandler := &sutureslog.Handler{Logger: slog.Default()}
	// The bridge must outlive the simulator: offline announcements go out on shutdown.
	transport := suture.New("manifold-sim-transport", suture.Spec{EventHook: logHandler.MustHook(), Timeout: 5 * time.Second})
	transport.Add(bridge)
	transportCtx, stopTransport := context.WithCancel(context.Background())
	transportDone := transport.ServeBackground(transportCtx)
	defer func() {
		stopTransport()
		<-transportDone
	}()

	root := suture.New("manifold-sim", suture.Spec{EventHook: logHandler.MustHook(), Timeout: 10 * time.Second})
	root.Add(sim)

	slog.Info("simulator started", "broker", cfg.BrokerURL, "devices", len(devices), "manifold_id", cfg.ManifoldID, "valves", cfg.Valves)
	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("simulator stopped", "error", err)
		stopTransport()
		<-transportDone
		os.Exit(1)
	}
}
