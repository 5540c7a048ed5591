package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.SetQueueSize(3)
	m.SetSessionState("connected")
	m.ObserveSend("sent")
	m.IncReconnect()
	m.ObserveClose("")
	m.ObserveRecord("written")
	m.ObserveNotify("sent")
	m.ObserveDrain("ran")
	m.ObserveDispatch(0)
}

// sample returns the value of the first sample of name matching label=value.
func sample(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() != label || lp.GetValue() != value {
					continue
				}
				if g := m.GetGauge(); g != nil {
					return g.GetValue()
				}
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no sample %s{%s=%q}", name, label, value)
	return 0
}

func TestSessionStateIsOneHot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetSessionState("pairing")
	m.SetSessionState("connected")

	if got := sample(t, reg, "msgate_session_state", "state", "connected"); got != 1 {
		t.Fatalf("connected gauge = %v, want 1", got)
	}
	if got := sample(t, reg, "msgate_session_state", "state", "pairing"); got != 0 {
		t.Fatalf("pairing gauge = %v, want 0", got)
	}
}

func TestSendCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveSend("queued")
	m.ObserveSend("queued")
	if got := sample(t, reg, "msgate_outbound_messages_total", "result", "queued"); got != 2 {
		t.Fatalf("queued = %v, want 2", got)
	}
}
