package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSetPeersKnown(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetPeersKnown(3)

	m := &dto.Metric{}
	if err := c.PeersKnown.Write(m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.GetGauge().GetValue() != 3 {
		t.Errorf("expected 3, got %v", m.GetGauge().GetValue())
	}
}

func TestIncPacketsReceivedLabelsByType(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.IncPacketsReceived("announcement")
	c.IncPacketsReceived("announcement")
	c.IncPacketsReceived("message")

	if got := testutilCount(t, c.PacketsReceived, "announcement"); got != 2 {
		t.Errorf("expected 2 announcement packets, got %v", got)
	}
	if got := testutilCount(t, c.PacketsReceived, "message"); got != 1 {
		t.Errorf("expected 1 message packet, got %v", got)
	}
}

func testutilCount(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(label).Write(m); err != nil {
		t.Fatalf("write: %v", err)
	}
	return m.GetCounter().GetValue()
}
