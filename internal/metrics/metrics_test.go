package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsNoop(t *testing.T) {
	var m *Metrics
	m.CommandOk()
	m.CommandError()
	m.Retry()
	m.Reconnect()
	m.Moved()
	m.Ask()
	m.InflightInc()
	m.InflightDec()
	m.ConnectionOpened()
	m.ConnectionClosed()
}

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CommandOk()
	m.Reconnect()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected registered metric families")
	}
}
