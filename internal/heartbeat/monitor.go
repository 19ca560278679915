package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval = 5 * time.Second
	DefaultStaleAfter    = 15 * time.Second
	// DefaultDemotionMargin is how far short of StaleAfter a demoted heartbeat is backdated.
	// The device is excluded from Stale until its next Touch either way.
	DefaultDemotionMargin = time.Second
	DefaultDemoteTimeout  = 5 * time.Second
	DefaultMaxConcurrent  = 16
	// DefaultEvictAfter drops demoted entries that stayed silent this long.
	DefaultEvictAfter = time.Hour
)

// Demoter marks a device offline. Implementations must not touch the heartbeat table.
type Demoter interface {
	Demote(ctx context.Context, deviceID string) error
}

type Config struct {
	SweepInterval  time.Duration
	StaleAfter     time.Duration
	DemotionMargin time.Duration
	DemoteTimeout  time.Duration
	MaxConcurrent  int
	EvictAfter     time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.DemotionMargin <= 0 || c.DemotionMargin >= c.StaleAfter {
		c.DemotionMargin = DefaultDemotionMargin
	}
	if c.DemoteTimeout <= 0 {
		c.DemoteTimeout = DefaultDemoteTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.EvictAfter <= c.StaleAfter {
		c.EvictAfter = max(DefaultEvictAfter, 2*c.StaleAfter)
	}
	return c
}

// Monitor periodically demotes devices whose heartbeat went stale.
type Monitor struct {
	table   *Table
	demoter Demoter
	cfg     Config

	// OnDemoted is called once per successful demotion; used for metrics.
	OnDemoted func(deviceID string)
}

func NewMonitor(table *Table, demoter Demoter, cfg Config) *Monitor {
	return &Monitor{table: table, demoter: demoter, cfg: cfg.withDefaults()}
}

// Serve runs sweeps until ctx is done. It satisfies suture.Service.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	slog.Info("heartbeat monitor started", "interval", m.cfg.SweepInterval, "stale_after", m.cfg.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Monitor) String() string { return "heartbeat-monitor" }

// Sweep demotes every stale device and returns how many were demoted. Devices are handled
// concurrently, at most MaxConcurrent at a time, each with its own deadline; a started sweep
// runs to completion even if ctx is cancelled. Demoted entries silent for EvictAfter are
// dropped first.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.table.Now()
	if n := m.table.Evict(now.Add(-m.cfg.EvictAfter)); n > 0 {
		slog.Debug("heartbeat entries evicted", "count", n)
	}
	cutoff := now.Add(-m.cfg.StaleAfter)
	stale := m.table.Stale(cutoff)
	if len(stale) == 0 {
		return 0
	}
	backdated := now.Add(-(m.cfg.StaleAfter - m.cfg.DemotionMargin))
	base := context.WithoutCancel(ctx)

	var demoted atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrent)
	for _, id := range stale {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("heartbeat demotion panic", "device_id", id, "panic", r)
				}
			}()
			dctx, cancel := context.WithTimeout(base, m.cfg.DemoteTimeout)
			defer cancel()
			if err := m.demoter.Demote(dctx, id); err != nil {
				slog.Warn("heartbeat demotion failed", "device_id", id, "error", err)
				return nil
			}
			m.table.MarkDemoted(id, backdated, cutoff)
			demoted.Add(1)
			if m.OnDemoted != nil {
				m.OnDemoted(id)
			}
			return nil
		})
	}
	_ = g.Wait()
	n := int(demoted.Load())
	slog.Debug("heartbeat sweep done", "stale", len(stale), "demoted", n)
	return n
}
