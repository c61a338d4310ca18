package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCounterIncAndAdd(t *testing.T) {
	m := New(zerolog.New(io.Discard))
	m.CounterInc("x", map[string]string{"a": "1"})
	m.CounterAdd("x", map[string]string{"a": "1"}, 4)

	if v := m.getCounter("x", map[string]string{"a": "1"}).Value(); v != 5 {
		t.Fatalf("expected counter=5, got %d", v)
	}
}

func TestGaugeSetIncDec(t *testing.T) {
	m := New(zerolog.New(io.Discard))
	m.GaugeSet("g", nil, 10)
	g := m.getGauge("g", nil)
	g.Inc()
	g.Dec()
	g.Dec()

	if v := g.Value(); v != 9 {
		t.Fatalf("expected gauge=9, got %f", v)
	}
}

func TestHistogramObserveBucketing(t *testing.T) {
	m := New(zerolog.New(io.Discard))
	m.HistogramObserve("h", nil, 2)
	m.HistogramObserve("h", nil, 100)
	m.HistogramObserve("h", nil, 1000)

	h := m.getHistogram("h", nil)
	if h.count != 3 {
		t.Fatalf("expected count=3, got %d", h.count)
	}
	if h.sum != 1102 {
		t.Fatalf("expected sum=1102, got %f", h.sum)
	}
	// Default buckets are 1,5,15,30,60,120,300,600 plus +Inf: 2 lands in
	// le=5, 100 in le=120, 1000 in +Inf.
	if h.counts[1] != 1 || h.counts[5] != 1 || h.counts[len(h.buckets)] != 1 {
		t.Fatalf("expected one observation each in le=5, le=120 and +Inf, got %v", h.counts)
	}
}

func TestTrackSyncCompletionPublishesExpectedSeries(t *testing.T) {
	m := New(zerolog.New(io.Discard))
	m.TrackSyncCompletion("tenant-1", "SUCCESS", 3*time.Second, 42)

	if v := m.getCounter("syncengine_cycles_total", map[string]string{"tenant": "tenant-1", "status": "SUCCESS"}).Value(); v != 1 {
		t.Fatalf("expected cycle count=1, got %d", v)
	}
	if v := m.getCounter("syncengine_products_processed_total", map[string]string{"tenant": "tenant-1"}).Value(); v != 42 {
		t.Fatalf("expected products processed=42, got %d", v)
	}
}

func TestHandlerServesPrometheusExposition(t *testing.T) {
	m := New(zerolog.New(io.Discard))
	m.CounterInc("syncengine_cycles_total", map[string]string{"tenant": "t1", "status": "SUCCESS"})
	m.GaugeSet("syncengine_scheduler_queue_depth", nil, 3)
	m.HistogramObserve("syncengine_cycle_duration_seconds", map[string]string{"status": "SUCCESS"}, 12.5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler()(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"syncengine_cycles_total{",
		"syncengine_scheduler_queue_depth 3",
		"syncengine_cycle_duration_seconds_bucket{le=",
		"syncengine_cycle_duration_seconds_sum",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected exposition to contain %q, got:\n%s", want, body)
		}
	}
}
