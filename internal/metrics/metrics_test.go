package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pkt.systems/gpulockd/internal/fault"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestArbiterRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m := NewWithMeter(provider.Meter(MeterName), nil)
	ctx := context.Background()
	m.RecordAllocate(ctx, "A100", 5*time.Millisecond, nil)
	m.RecordAllocate(ctx, "A100", time.Millisecond, fault.New(fault.CodeInsufficientCapacity, "none left"))
	m.RecordRelease(ctx, "user", nil)
	m.RecordLockWait("gpulocker:gpu_lock", 3*time.Millisecond, true)
	m.RecordReconcileFailures(ctx, 2)
	m.RecordExpiryReleased(ctx, 1)
	m.ObservePool(map[string]int{"A100": 3, "V100": 1}, 1)

	data := collect(t, reader)
	allocs, ok := data["gpulockd.lease.allocate"].(metricdata.Sum[int64])
	if !ok || len(allocs.DataPoints) != 2 {
		t.Fatalf("expected two allocate series, got %#v", data["gpulockd.lease.allocate"])
	}
	gauge, ok := data["gpulockd.pool.available"].(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 2 {
		t.Fatalf("expected per-type pool gauge, got %#v", data["gpulockd.pool.available"])
	}
	fails, ok := data["gpulockd.reconcile.failures"].(metricdata.Sum[int64])
	if !ok || fails.DataPoints[0].Value != 2 {
		t.Fatalf("unexpected reconcile failures %#v", data["gpulockd.reconcile.failures"])
	}
	for _, name := range []string{"gpulockd.lease.release", "gpulockd.lock.wait.duration_ms", "gpulockd.expiry.released", "gpulockd.pool.stuck"} {
		if _, ok := data[name]; !ok {
			t.Fatalf("missing metric %s", name)
		}
	}
}

func TestNilArbiterIsSafe(t *testing.T) {
	var m *Arbiter
	ctx := context.Background()
	m.RecordAllocate(ctx, "A100", time.Millisecond, nil)
	m.RecordRelease(ctx, "user", nil)
	m.RecordLockWait("k", time.Millisecond, false)
	m.RecordReconcileFailures(ctx, 1)
	m.RecordExpiryReleased(ctx, 1)
	m.ObservePool(nil, 0)
}

func TestResultLabel(t *testing.T) {
	if got := ResultLabel(nil); got != "success" {
		t.Fatalf("got %q", got)
	}
	if got := ResultLabel(fault.New(fault.CodeLockTimeout, "x")); got != "lock_timeout" {
		t.Fatalf("got %q", got)
	}
	if got := ResultLabel(errors.New("plain")); got != "error" {
		t.Fatalf("got %q", got)
	}
}
