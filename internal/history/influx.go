package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	gobreaker "github.com/sony/gobreaker/v2"

	"manifold-hub/internal/topic"
)

const measurement = "device_reading"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes device telemetry to InfluxDB. Writes go through a circuit breaker so an
// unreachable InfluxDB costs one rejected call per reading instead of a timeout.
type InfluxSink struct {
	client  influxdb2.Client
	api     pointWriter
	cb      *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
}

// NewInfluxSink creates the write client. Caller should call Close when done.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return newSink(client, client.WriteAPIBlocking(org, bucket))
}

func newSink(client influxdb2.Client, api pointWriter) *InfluxSink {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "influx-history",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &InfluxSink{client: client, api: api, cb: cb, timeout: 3 * time.Second}
}

func (s *InfluxSink) WriteReading(ctx context.Context, deviceID string, r topic.Reading, at time.Time) error {
	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("device_id", deviceID).
		AddField("temperature", r.Temperature).
		AddField("humidity", r.Humidity).
		AddField("value", r.Value).
		SetTime(at)
	_, err := s.cb.Execute(func() (struct{}, error) {
		wctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return struct{}{}, s.api.WritePoint(wctx, p)
	})
	if err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Health checks that InfluxDB is reachable and the token is valid.
func (s *InfluxSink) Health(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	_, err := s.client.Health(ctx)
	return err
}

// HealthStatus renders a Health result for the /health body.
func HealthStatus(err error) string {
	if err != nil {
		return "unavailable: " + err.Error()
	}
	return "ok"
}

func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
