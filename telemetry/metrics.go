// Package telemetry provides OpenTelemetry metrics for the metadata store.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/GinaZhai/kylin-1"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	statementsTotal   metric.Int64Counter
	statementDuration metric.Float64Histogram
	conflictsTotal    metric.Int64Counter
	overflowOpsTotal  metric.Int64Counter
	brokenReadsTotal  metric.Int64Counter

	backendRequestsTotal   metric.Int64Counter
	backendRequestDuration metric.Float64Histogram
	backendBytesTotal      metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation. All Record helpers are
// no-ops until this has been called, so library use without metrics stays
// cheap.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kylin-metastore"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	statementsTotal, err := meter.Int64Counter(
		"kylin_metastore_statements_total",
		metric.WithDescription("Total number of SQL statements executed"),
		metric.WithUnit("{statement}"),
	)
	if err != nil {
		return err
	}

	statementDuration, err := meter.Float64Histogram(
		"kylin_metastore_statement_duration_seconds",
		metric.WithDescription("SQL statement duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	conflictsTotal, err := meter.Int64Counter(
		"kylin_metastore_write_conflicts_total",
		metric.WithDescription("Total number of check-and-put write conflicts"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return err
	}

	overflowOpsTotal, err := meter.Int64Counter(
		"kylin_metastore_overflow_ops_total",
		metric.WithDescription("Total overflow store operations by kind and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	brokenReadsTotal, err := meter.Int64Counter(
		"kylin_metastore_broken_reads_total",
		metric.WithDescription("Total reads that tolerated broken content"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"kylin_metastore_backend_requests_total",
		metric.WithDescription("Total blob store backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"kylin_metastore_backend_request_duration_seconds",
		metric.WithDescription("Blob store backend operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"kylin_metastore_backend_bytes_total",
		metric.WithDescription("Total bytes written through the blob store backend"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		statementsTotal:        statementsTotal,
		statementDuration:      statementDuration,
		conflictsTotal:         conflictsTotal,
		overflowOpsTotal:       overflowOpsTotal,
		brokenReadsTotal:       brokenReadsTotal,
		backendRequestsTotal:   backendRequestsTotal,
		backendRequestDuration: backendRequestDuration,
		backendBytesTotal:      backendBytesTotal,
		meterProvider:          mp,
		promHandler:            promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordStatement records a SQL statement execution.
func RecordStatement(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.statementsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.statementDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordConflict records a check-and-put write conflict.
func RecordConflict(ctx context.Context, table string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.conflictsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", table),
	))
}

// RecordOverflowOp records an overflow store operation.
func RecordOverflowOp(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.overflowOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordBrokenRead records a read that tolerated broken content.
func RecordBrokenRead(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.brokenReadsTotal.Add(ctx, 1)
}

// RecordBackendOp records blob store backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics handler, or nil if
// Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// noopExporter collects but does not export metrics.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
