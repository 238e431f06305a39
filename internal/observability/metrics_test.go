package observability

import "testing"

func TestSnapshotDerivedRates(t *testing.T) {
	m := NewMetrics("test")

	m.RecordAttempt("c1")
	m.RecordSuccess("c1")

	m.RecordAttempt("c2")
	m.RecordFailure("c2", "AUTH_REQUIRED")

	m.RecordAttempt("c3")
	m.RecordTimeout("c3")

	snap := m.Snapshot()
	if snap.TotalConnectionAttempts != 3 {
		t.Fatalf("TotalConnectionAttempts = %d, want 3", snap.TotalConnectionAttempts)
	}
	if snap.SuccessfulConnections != 1 {
		t.Fatalf("SuccessfulConnections = %d, want 1", snap.SuccessfulConnections)
	}
	if snap.FailedConnections != 2 {
		t.Fatalf("FailedConnections = %d, want 2", snap.FailedConnections)
	}
	if snap.TotalTimeouts != 1 {
		t.Fatalf("TotalTimeouts = %d, want 1", snap.TotalTimeouts)
	}
	wantSuccessRate := 1.0 / 3.0
	if snap.SuccessRate != wantSuccessRate {
		t.Fatalf("SuccessRate = %v, want %v", snap.SuccessRate, wantSuccessRate)
	}
	wantTimeoutRate := 1.0 / 3.0
	if snap.TimeoutRate != wantTimeoutRate {
		t.Fatalf("TimeoutRate = %v, want %v", snap.TimeoutRate, wantTimeoutRate)
	}
	if snap.FailedByReason["AUTH_REQUIRED"] != 1 {
		t.Fatalf("FailedByReason[AUTH_REQUIRED] = %d, want 1", snap.FailedByReason["AUTH_REQUIRED"])
	}
	if snap.FailedByReason["SESSION_CREATE_FAILED"] != 1 {
		t.Fatalf("FailedByReason[SESSION_CREATE_FAILED] = %d, want 1", snap.FailedByReason["SESSION_CREATE_FAILED"])
	}
}

func TestSnapshotRatesZeroWhenNoSamples(t *testing.T) {
	m := NewMetrics("test_empty")
	snap := m.Snapshot()
	if snap.SuccessRate != 0 || snap.TimeoutRate != 0 {
		t.Fatalf("rates with no samples = %+v, want zero", snap)
	}
}

func TestAlertsRequireMinimumSamples(t *testing.T) {
	m := NewMetrics("test_alerts_min")
	for i := 0; i < 5; i++ {
		id := "c" + string(rune('a'+i))
		m.RecordAttempt(id)
		m.RecordFailure(id, "AUTH_INVALID")
	}
	if alerts := m.Alerts(); len(alerts) != 0 {
		t.Fatalf("Alerts() with 5 samples = %v, want none (below MinSamplesForAlerts)", alerts)
	}
}

func TestAlertsFireOnLowSuccessRate(t *testing.T) {
	m := NewMetrics("test_alerts_fire")
	for i := 0; i < 20; i++ {
		id := "c" + string(rune('a'+i))
		m.RecordAttempt(id)
		m.RecordFailure(id, "AUTH_INVALID")
	}
	alerts := m.Alerts()
	found := false
	for _, a := range alerts {
		if a.Name == "low_success_rate" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Alerts() = %v, want low_success_rate present", alerts)
	}
}

func TestSetActiveTracksPeak(t *testing.T) {
	m := NewMetrics("test_peak")
	m.SetActive(5)
	m.SetActive(3)
	m.SetActive(8)
	m.SetActive(2)

	snap := m.Snapshot()
	if snap.PeakConnections != 8 {
		t.Fatalf("PeakConnections = %d, want 8", snap.PeakConnections)
	}
	if snap.ActiveConnections != 2 {
		t.Fatalf("ActiveConnections = %d, want 2", snap.ActiveConnections)
	}
}

func TestRecordDisconnectionDecrementsActive(t *testing.T) {
	m := NewMetrics("test_disconnect")
	m.SetActive(3)
	m.RecordDisconnection("c1")

	snap := m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Fatalf("ActiveConnections after disconnect = %d, want 2", snap.ActiveConnections)
	}
}
