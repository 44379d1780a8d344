// Package metrics exposes the arbiter's OpenTelemetry instruments. Every
// recording method is nil-safe so components can run without metrics.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/gpulockd/internal/fault"
)

// MeterName is the instrumentation scope.
const MeterName = "pkt.systems/gpulockd/arbiter"

// Arbiter records lease, lock, reconcile and pool metrics.
type Arbiter struct {
	allocateCount  metric.Int64Counter
	allocateDur    metric.Int64Histogram
	releaseCount   metric.Int64Counter
	lockWait       metric.Int64Histogram
	reconcileFails metric.Int64Counter
	expiryReleased metric.Int64Counter
	poolAvailable  metric.Int64ObservableGauge
	poolStuck      metric.Int64ObservableGauge

	mu        sync.Mutex
	available map[string]int
	stuck     int
}

// New registers instruments on the global meter provider.
func New(logger pslog.Logger) *Arbiter {
	return NewWithMeter(otel.Meter(MeterName), logger)
}

// NewWithMeter registers instruments on meter.
func NewWithMeter(meter metric.Meter, logger pslog.Logger) *Arbiter {
	m := &Arbiter{available: make(map[string]int)}
	var err error

	m.allocateCount, err = meter.Int64Counter(
		"gpulockd.lease.allocate",
		metric.WithDescription("Device allocation attempts"),
	)
	logMetricInitError(logger, "gpulockd.lease.allocate", err)

	m.allocateDur, err = meter.Int64Histogram(
		"gpulockd.lease.allocate.duration_ms",
		metric.WithDescription("Device allocation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "gpulockd.lease.allocate.duration_ms", err)

	m.releaseCount, err = meter.Int64Counter(
		"gpulockd.lease.release",
		metric.WithDescription("Lease releases"),
	)
	logMetricInitError(logger, "gpulockd.lease.release", err)

	m.lockWait, err = meter.Int64Histogram(
		"gpulockd.lock.wait.duration_ms",
		metric.WithDescription("Time spent waiting for the pool lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "gpulockd.lock.wait.duration_ms", err)

	m.reconcileFails, err = meter.Int64Counter(
		"gpulockd.reconcile.failures",
		metric.WithDescription("Devices that failed permission reconciliation"),
	)
	logMetricInitError(logger, "gpulockd.reconcile.failures", err)

	m.expiryReleased, err = meter.Int64Counter(
		"gpulockd.expiry.released",
		metric.WithDescription("Expired leases released by the expiry sweep"),
	)
	logMetricInitError(logger, "gpulockd.expiry.released", err)

	m.poolAvailable, err = meter.Int64ObservableGauge(
		"gpulockd.pool.available",
		metric.WithDescription("Unallocated devices per type (last observed)"),
	)
	logMetricInitError(logger, "gpulockd.pool.available", err)

	m.poolStuck, err = meter.Int64ObservableGauge(
		"gpulockd.pool.stuck",
		metric.WithDescription("Devices withheld after a failed revoke"),
	)
	logMetricInitError(logger, "gpulockd.pool.stuck", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		m.observePool(o)
		return nil
	}, m.poolAvailable, m.poolStuck); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "gpulockd.pool", "error", err)
	}
	return m
}

func (m *Arbiter) observePool(o metric.Observer) {
	if m == nil || m.poolAvailable == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for typ, n := range m.available {
		o.ObserveInt64(m.poolAvailable, int64(n), metric.WithAttributes(attribute.String("gpulockd.device.type", typ)))
	}
	if m.poolStuck != nil {
		o.ObserveInt64(m.poolStuck, int64(m.stuck))
	}
}

// ObservePool records the latest free-device counts.
func (m *Arbiter) ObservePool(counts map[string]int, stuck int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = make(map[string]int, len(counts))
	for typ, n := range counts {
		m.available[typ] = n
	}
	m.stuck = stuck
}

// RecordAllocate counts one allocation attempt for deviceType.
func (m *Arbiter) RecordAllocate(ctx context.Context, deviceType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("gpulockd.device.type", deviceType),
		attribute.String("gpulockd.result", ResultLabel(err)),
	)
	if m.allocateCount != nil {
		m.allocateCount.Add(ctx, 1, attrs)
	}
	if m.allocateDur != nil {
		m.allocateDur.Record(ctx, duration.Milliseconds(), attrs)
	}
}

// RecordRelease counts one release; reason is user, admin, expiry or reset.
func (m *Arbiter) RecordRelease(ctx context.Context, reason string, err error) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gpulockd.release.reason", reason),
		attribute.String("gpulockd.result", ResultLabel(err)),
	))
}

// RecordLockWait records a pool lock acquisition.
func (m *Arbiter) RecordLockWait(key string, waited time.Duration, acquired bool) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Record(context.Background(), waited.Milliseconds(), metric.WithAttributes(
		attribute.String("gpulockd.lock.key", key),
		attribute.Bool("gpulockd.lock.acquired", acquired),
	))
}

// RecordReconcileFailures counts devices that failed a reconcile pass.
func (m *Arbiter) RecordReconcileFailures(ctx context.Context, devices int) {
	if m == nil || m.reconcileFails == nil || devices <= 0 {
		return
	}
	m.reconcileFails.Add(ctx, int64(devices))
}

// RecordExpiryReleased counts leases released by the expiry sweep.
func (m *Arbiter) RecordExpiryReleased(ctx context.Context, n int) {
	if m == nil || m.expiryReleased == nil || n <= 0 {
		return
	}
	m.expiryReleased.Add(ctx, int64(n))
}

// ResultLabel maps an error to "success" or its failure code.
func ResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if code := fault.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
