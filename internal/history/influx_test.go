package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	gobreaker "github.com/sony/gobreaker/v2"

	"manifold-hub/internal/topic"
)

type fakeWriter struct {
	points []*write.Point
	err    error
	calls  int
}

func (w *fakeWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, p...)
	return nil
}

func TestWriteReading_BuildsPoint(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(nil, w)
	at := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

	if err := s.WriteReading(context.Background(), "abc123", topic.Reading{Temperature: 22.1, Humidity: 48}, at); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.points) != 1 {
		t.Fatalf("expected one point, got %d", len(w.points))
	}
	p := w.points[0]
	if p.Name() != measurement || !p.Time().Equal(at) {
		t.Fatalf("unexpected point: %s %v", p.Name(), p.Time())
	}
	if len(p.TagList()) != 1 || p.TagList()[0].Value != "abc123" {
		t.Fatalf("unexpected tags: %+v", p.TagList())
	}
	if len(p.FieldList()) != 3 {
		t.Fatalf("unexpected fields: %+v", p.FieldList())
	}
}

func TestWriteReading_BreakerOpensAfterFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection refused")}
	s := newSink(nil, w)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.WriteReading(ctx, "abc123", topic.Reading{}, time.Now()); err == nil {
			t.Fatalf("expected failure")
		}
	}
	err := s.WriteReading(ctx, "abc123", topic.Reading{}, time.Now())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if w.calls != 5 {
		t.Fatalf("open breaker must not reach influx, got %d calls", w.calls)
	}
}

func TestHealth_ReportsServerState(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"name":"influxdb","status":"fail","message":"down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"influxdb","status":"pass","message":"ready for queries and writes"}`))
	}))
	defer srv.Close()

	s := NewInfluxSink(srv.URL, "token", "org", "bucket")
	defer s.Close()

	if got := HealthStatus(s.Health(context.Background())); got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	down.Store(true)
	if got := HealthStatus(s.Health(context.Background())); !strings.HasPrefix(got, "unavailable: ") {
		t.Fatalf("expected unavailable, got %q", got)
	}
}
