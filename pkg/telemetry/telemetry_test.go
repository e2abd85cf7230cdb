package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNotifyDeliversInOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true, PublishTimeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Key)
		mu.Unlock()
	}, nil)

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c", "d"} {
		if err := ep.Notify(ctx, Event{Type: EventTypeConfigCreated, Key: key}); err != nil {
			t.Fatalf("Notify(%s) failed: %v", key, err)
		}
	}
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNotifyHonoursContext(t *testing.T) {
	block := make(chan struct{})
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	ep.Subscribe(func(Event) { <-block }, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = ep.Notify(ctx, Event{Type: EventTypeConfigUpdated})
	}
	if !errors.Is(lastErr, context.DeadlineExceeded) {
		t.Errorf("Notify on a full buffer = %v, want deadline exceeded", lastErr)
	}

	close(block)
	_ = ep.Shutdown(context.Background())
}

func TestDisabledPublisherIsNoop(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	if err := ep.Notify(context.Background(), Event{}); err != nil {
		t.Errorf("Notify on disabled publisher = %v", err)
	}
	var nilPublisher *EventPublisher
	if err := nilPublisher.Publish(Event{}); err != nil {
		t.Errorf("Publish on nil publisher = %v", err)
	}
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "upll"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordEpisodeStarted("commit")
	m.RecordRowCommitted("flowlist", "create")
	m.RecordRowCommitted("flowlist", "create")
	m.RecordCapabilityFilter("flowlist_entry", "filtered")
	m.RecordEpisodeCompleted("commit", "succeeded", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.rowsCommitted.WithLabelValues("flowlist", "create")); got != 2 {
		t.Errorf("rows committed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.capabilityFilter.WithLabelValues("flowlist_entry", "filtered")); got != 1 {
		t.Errorf("capability filter count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeEpisodes); got != 0 {
		t.Errorf("active episodes = %v, want 0", got)
	}

	var disabled *Metrics
	disabled.RecordDriverCall("c1", "create", time.Second)
	disabled.RecordError("GENERIC")
}

func TestRecordDriverOperation(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "upll"})
	tel := &Telemetry{Logger: NopLogger(), Metrics: m}

	failure := errors.New("unreachable")
	err := tel.RecordDriverOperation(context.Background(), "c1", "create", "vtn",
		func(error) string { return "CTRLR_DISCONNECTED" },
		func(context.Context) error { return failure })
	if !errors.Is(err, failure) {
		t.Fatalf("error = %v, want %v", err, failure)
	}

	if got := testutil.ToFloat64(m.driverErrors.WithLabelValues("c1", "create", "CTRLR_DISCONNECTED")); got != 1 {
		t.Errorf("driver errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.driverCalls.WithLabelValues("c1", "create")); got != 1 {
		t.Errorf("driver calls = %v, want 1", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "upll", Path: "/metrics"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordNotificationFailed("flowlist")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `upll_change_notifications_failed_total{key_type="flowlist"} 1`) {
		t.Errorf("notification failure missing from scrape:\n%s", rec.Body.String())
	}

	var disabled *Metrics
	rec = httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestStartMetricsServer(t *testing.T) {
	ctx := context.Background()

	off, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "upll"})
	stop, err := off.StartMetricsServer()
	if err != nil {
		t.Fatalf("StartMetricsServer without address failed: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Errorf("stop = %v", err)
	}

	on, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "upll", Path: "/metrics", ListenAddress: "127.0.0.1:0"})
	stop, err = on.StartMetricsServer()
	if err != nil {
		t.Fatalf("StartMetricsServer failed: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Errorf("stop = %v", err)
	}

	bad, _ := NewMetrics(MetricsConfig{Enabled: true, Namespace: "upll", Path: "/metrics", ListenAddress: "127.0.0.1:-1"})
	if _, err := bad.StartMetricsServer(); err == nil {
		t.Error("expected error for an invalid listen address")
	}
}
