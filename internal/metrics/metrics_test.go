package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetricsWithRegistry(reg)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordConnectAndDisconnect(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordConnect("socks5")
	m.RecordConnect("socks4")
	if v := gaugeValue(t, m.ConnectionsActive); v != 2 {
		t.Fatalf("expected 2 active connections, got %v", v)
	}

	m.RecordDisconnect()
	if v := gaugeValue(t, m.ConnectionsActive); v != 1 {
		t.Fatalf("expected 1 active connection after disconnect, got %v", v)
	}

	if v := counterValue(t, m.ConnectionsTotal.WithLabelValues("socks5")); v != 1 {
		t.Fatalf("expected 1 total socks5 connection, got %v", v)
	}
}

func TestRecordErrorAndVerdict(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError("proxy_not_configured")
	m.RecordError("proxy_not_configured")
	if v := counterValue(t, m.ConnectionErrors.WithLabelValues("proxy_not_configured")); v != 2 {
		t.Fatalf("expected 2 errors recorded, got %v", v)
	}

	m.RecordVerdict("DIRECT")
	if v := counterValue(t, m.RouteVerdicts.WithLabelValues("DIRECT")); v != 1 {
		t.Fatalf("expected 1 DIRECT verdict recorded, got %v", v)
	}
}

func TestRecordBytes(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordBytes("upstream", 100)
	m.RecordBytes("upstream", 50)
	if v := counterValue(t, m.BytesTransferred.WithLabelValues("upstream")); v != 150 {
		t.Fatalf("expected 150 bytes recorded, got %v", v)
	}
}
