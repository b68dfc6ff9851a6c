package alert

import (
	"testing"

	"github.com/rawblock/sentryfw/pkg/models"
)

func TestEmitInvokesBroadcast(t *testing.T) {
	var got Alert
	m := NewManager(func(a Alert) { got = a })
	m.EmitThreat(models.ThreatEvent{ThreatType: models.ThreatSQLInjection, Severity: models.SeverityCritical, Addr: "1.2.3.4"})
	if got.Addr != "1.2.3.4" || got.AlertType != "threat" {
		t.Fatalf("broadcast callback did not receive expected alert: %+v", got)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	m := NewManager(nil)
	m.Emit(Alert{AlertType: "ban", Addr: "1.1.1.1"})
	m.Emit(Alert{AlertType: "ban", Addr: "2.2.2.2"})
	recent := m.Recent(2)
	if len(recent) != 2 || recent[0].Addr != "2.2.2.2" {
		t.Fatalf("expected newest alert first, got %+v", recent)
	}
}

func TestBySeverityFiltersByThreshold(t *testing.T) {
	m := NewManager(nil)
	m.Emit(Alert{Severity: models.SeverityLow})
	m.Emit(Alert{Severity: models.SeverityCritical})
	filtered := m.BySeverity(models.SeverityHigh)
	if len(filtered) != 1 || filtered[0].Severity != models.SeverityCritical {
		t.Fatalf("expected only critical alert to pass high threshold, got %+v", filtered)
	}
}
