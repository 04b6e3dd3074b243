package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	t.Parallel()
	c := New(prometheus.NewRegistry())

	c.RecordCommand("stat", true, 10*time.Millisecond)
	c.RecordCommand("stat", true, 20*time.Millisecond)
	c.RecordCommand("store", false, time.Second)
	c.RecordConnection(true, "connect")
	c.RecordConnection(false, "reconnect")
	c.RecordAuthentication(false, "alice")
	c.RecordStabilityCheck(true)
	c.RecordStabilityCheck(false)
	c.RecordStabilityCheck(false)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"stat success", testutil.ToFloat64(c.commandsTotal.WithLabelValues("stat", "success")), 2},
		{"store failure", testutil.ToFloat64(c.commandsTotal.WithLabelValues("store", "failure")), 1},
		{"connect", testutil.ToFloat64(c.connectionsTotal.WithLabelValues("connect", "success")), 1},
		{"reconnect failed", testutil.ToFloat64(c.connectionsTotal.WithLabelValues("reconnect", "failure")), 1},
		{"auth failure", testutil.ToFloat64(c.authAttemptsTotal.WithLabelValues("failure")), 1},
		{"stable", testutil.ToFloat64(c.stabilityChecks.WithLabelValues("true")), 1},
		{"unstable", testutil.ToFloat64(c.stabilityChecks.WithLabelValues("false")), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestCollector_TransferDirections(t *testing.T) {
	t.Parallel()
	c := New(prometheus.NewRegistry())

	c.RecordTransfer("STOR", 100, time.Second)
	c.RecordTransfer("RETR", 40, time.Second)
	c.RecordTransfer("RETR", 2, time.Second)

	expected := `
# HELP ftps_transfer_bytes_total Total bytes moved over data connections
# TYPE ftps_transfer_bytes_total counter
ftps_transfer_bytes_total{direction="download"} 42
ftps_transfer_bytes_total{direction="upload"} 100
`
	if err := testutil.CollectAndCompare(c.transferBytes, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic registering the same metrics twice")
		}
	}()
	New(reg)
}
