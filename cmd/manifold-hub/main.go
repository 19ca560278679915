package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"manifold-hub/internal/broker"
	"manifold-hub/internal/commands"
	"manifold-hub/internal/config"
	"manifold-hub/internal/heartbeat"
	"manifold-hub/internal/history"
	"manifold-hub/internal/httpapi"
	"manifold-hub/internal/ingest"
	"manifold-hub/internal/mqtt"
	"manifold-hub/internal/observability"
	"manifold-hub/internal/realtime"
	"manifold-hub/internal/reconcile"
	"manifold-hub/internal/store"
)

const serviceName = "manifold-hub"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, promHandler, tracer, err := observability.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("observability setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	table := heartbeat.NewTable(nil)
	resolver := reconcile.ExactThenFuzzy{Lookup: repo}
	hub := realtime.NewHub(reconcile.NewState(resolver, repo))
	defer hub.Close()

	devices := reconcile.NewDevices(repo, table, hub)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		devices.Cache = store.NewStateCache(rdb)
		slog.Info("reading cache enabled", "addr", addr)
	}
	var sink *history.InfluxSink
	if url := strings.TrimSpace(cfg.Influx.URL); url != "" {
		sink = history.NewInfluxSink(url, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		defer sink.Close()
		devices.History = sink
		slog.Info("telemetry history enabled", "url", url, "bucket", cfg.Influx.Bucket)
	}
	manifolds := reconcile.NewManifolds(repo, hub)

	pipeline := &ingest.Pipeline{Devices: devices, Manifolds: manifolds, Tracer: tracer}
	brk := broker.New(broker.Config{TCPAddr: cfg.MQTT.TCPAddr, WSAddr: cfg.MQTT.WSAddr}, pipeline)

	publishers := []commands.Publisher{brk}
	var bridge *mqtt.Bridge
	if upstream := strings.TrimSpace(cfg.MQTT.UpstreamURL); upstream != "" {
		bridge = mqtt.NewBridge(upstream, cfg.MQTT.ClientID, pipeline)
		publishers = append(publishers, bridge)
	}
	issuer := commands.New(repo, publishers...)

	monitor := heartbeat.NewMonitor(table, devices, heartbeat.Config{
		SweepInterval:  cfg.Heartbeat.SweepInterval,
		StaleAfter:     cfg.Heartbeat.StaleAfter,
		DemotionMargin: cfg.Heartbeat.DemotionMargin,
	})
	monitor.OnDemoted = observability.ObserveDemotion

	api := httpapi.NewServer(repo, issuer, hub)
	api.Middleware = append(api.Middleware, observability.Middleware(tracer, serviceName))
	api.Health = func(ctx context.Context) map[string]any {
		out := map[string]any{
			"mqtt_clients":      brk.Clients(),
			"realtime_sessions": hub.Sessions(),
			"tracked_devices":   table.Len(),
		}
		if sink != nil {
			hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			out["influx"] = history.HealthStatus(sink.Health(hctx))
		}
		return out
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)
	api.Register(mux)
	httpSrv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logHandler := &sutureslog.Handler{Logger: slog.Default()}
	root := suture.New(serviceName, suture.Spec{
		EventHook: logHandler.MustHook(),
		Timeout:   10 * time.Second,
	})
	root.Add(brk)
	if bridge != nil {
		root.Add(bridge)
	}
	root.Add(monitor)
	root.Add(&httpService{server: httpSrv, shutdownTimeout: 10 * time.Second})

	slog.Info("manifold-hub starting", "http", httpSrv.Addr, "mqtt_tcp", cfg.MQTT.TCPAddr, "mqtt_ws", cfg.MQTT.WSAddr, "upstream", bridge != nil)
	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("supervisor stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
