package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
// Returns the reader (to collect metrics) and registers cleanup.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	statementsTotal, err := meter.Int64Counter("kylin_metastore_statements_total")
	require.NoError(t, err)

	statementDuration, err := meter.Float64Histogram("kylin_metastore_statement_duration_seconds")
	require.NoError(t, err)

	conflictsTotal, err := meter.Int64Counter("kylin_metastore_write_conflicts_total")
	require.NoError(t, err)

	overflowOpsTotal, err := meter.Int64Counter("kylin_metastore_overflow_ops_total")
	require.NoError(t, err)

	brokenReadsTotal, err := meter.Int64Counter("kylin_metastore_broken_reads_total")
	require.NoError(t, err)

	backendRequestsTotal, err := meter.Int64Counter("kylin_metastore_backend_requests_total")
	require.NoError(t, err)

	backendRequestDuration, err := meter.Float64Histogram("kylin_metastore_backend_request_duration_seconds")
	require.NoError(t, err)

	backendBytesTotal, err := meter.Int64Counter("kylin_metastore_backend_bytes_total")
	require.NoError(t, err)

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
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordStatement(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordStatement(context.Background(), "get", "success", 5*time.Millisecond)
	RecordStatement(context.Background(), "get", "success", 2*time.Millisecond)
	RecordStatement(context.Background(), "insert", "error", time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "kylin_metastore_statements_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "op", "get") {
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "success"))
		} else {
			require.True(t, hasAttr(dp.Attributes, "op", "insert"))
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "error"))
		}
	}

	histDps := findHistogram(rm, "kylin_metastore_statement_duration_seconds")
	require.Len(t, histDps, 2)
	for _, dp := range histDps {
		if hasAttr(dp.Attributes, "op", "get") {
			require.EqualValues(t, 2, dp.Count)
			require.InDelta(t, 0.007, dp.Sum, 0.0001)
		}
	}
}

func TestRecordConflict(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordConflict(context.Background(), "kylin_metadata")
	RecordConflict(context.Background(), "kylin_metadata")

	dps := findCounter(collectMetrics(t, reader), "kylin_metastore_write_conflicts_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 2, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "table", "kylin_metadata"))
}

func TestRecordOverflowOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordOverflowOp(context.Background(), "write", "success")
	RecordOverflowOp(context.Background(), "rollback", "error")

	dps := findCounter(collectMetrics(t, reader), "kylin_metastore_overflow_ops_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.EqualValues(t, 1, dp.Value)
	}
}

func TestRecordBrokenRead(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBrokenRead(context.Background())

	dps := findCounter(collectMetrics(t, reader), "kylin_metastore_broken_reads_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "filesystem", "write", "success", 10*time.Millisecond, 4096)
	RecordBackendOp(context.Background(), "filesystem", "read", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "kylin_metastore_backend_requests_total")
	require.Len(t, dps, 2)

	// Zero-byte operations must not produce a bytes data point.
	bytesDps := findCounter(rm, "kylin_metastore_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 4096, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "write"))

	histDps := findHistogram(rm, "kylin_metastore_backend_request_duration_seconds")
	require.Len(t, histDps, 2)
}

func TestRecordHelpersNoopWithoutInit(t *testing.T) {
	require.Nil(t, globalMetrics)

	// None of these should panic before InitMetrics has run.
	RecordStatement(context.Background(), "get", "success", time.Millisecond)
	RecordConflict(context.Background(), "kylin_metadata")
	RecordOverflowOp(context.Background(), "write", "success")
	RecordBrokenRead(context.Background())
	RecordBackendOp(context.Background(), "filesystem", "write", "success", time.Millisecond, 1)
	require.Nil(t, PrometheusHandler())
}
