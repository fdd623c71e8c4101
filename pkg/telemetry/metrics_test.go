package telemetry

import (
	"testing"
	"time"
)

// Packages that run without metrics leave the *Metrics collaborator nil, so
// every record method has to be callable on a nil receiver.
func TestMetricsNilReceiverSafe(t *testing.T) {
	var m *Metrics

	m.RecordHuntStarted("eu-frankfurt-1")
	m.RecordHuntFinished("success", time.Second)
	m.RecordAttempt("a1-flex", "created", time.Second)
	m.RecordZoneOutcome("AD-1", "capacity")
	m.RecordZoneSkipped("AD-2")
	m.RecordLockWait(10 * time.Millisecond)
	m.RecordCacheLookup("hit")
	m.AttemptStarted()
	m.AttemptDone()
	if m.Handler() == nil {
		t.Fatal("nil metrics should still return a handler")
	}
	if err := m.StartMetricsServer(); err != nil {
		t.Fatalf("StartMetricsServer on nil metrics: %v", err)
	}
}

func TestMetricsDisabledRecordsNothing(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordHuntStarted("eu-frankfurt-1")
	m.RecordAttempt("a1-flex", "created", time.Second)
	m.AttemptStarted()
	m.AttemptDone()
}
