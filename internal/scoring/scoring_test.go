package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

type fakeStore struct {
	fp      *models.Fingerprint
	history []models.ScoreHistory
}

func (f *fakeStore) GetFingerprintByBaseHash(ctx context.Context, baseHash string) (*models.Fingerprint, error) {
	if f.fp == nil || f.fp.BaseHash != baseHash {
		return nil, nil
	}
	cp := *f.fp
	return &cp, nil
}

func (f *fakeStore) UpdateFingerprintScore(ctx context.Context, baseHash string, newScore int, at time.Time) error {
	f.fp.ThreatScore = newScore
	f.fp.LastScoreUpdate = at
	return nil
}

func (f *fakeStore) InsertScoreHistory(ctx context.Context, entry models.ScoreHistory) error {
	f.history = append(f.history, entry)
	return nil
}

func newFakeStore(baseHash string, at time.Time) *fakeStore {
	return &fakeStore{fp: &models.Fingerprint{ID: 1, BaseHash: baseHash, LastScoreUpdate: at}}
}

func TestRateLimitThenSQLInjectionScenario(t *testing.T) {
	at := time.Now()
	store := newFakeStore("h1", at)
	engine := NewEngine(store, DefaultConfig())
	ctx := context.Background()

	decision, err := engine.ApplyFinding(ctx, "h1", models.Finding{ThreatType: models.ThreatRateLimit, Severity: models.SeverityHigh}, nil, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Score != 37 {
		t.Fatalf("expected score 37 after rate-limit finding, got %d", decision.Score)
	}
	if decision.Action != models.BanActionNone {
		t.Fatalf("expected no ban yet, got %s", decision.Action)
	}

	decision, err = engine.ApplyFinding(ctx, "h1", models.Finding{ThreatType: models.ThreatSQLInjection, Severity: models.SeverityCritical}, nil, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Score != 137 {
		t.Fatalf("expected score 137 after sql-injection finding, got %d", decision.Score)
	}
	if decision.Action != models.BanActionExtended {
		t.Fatalf("expected extended ban, got %s", decision.Action)
	}
	if decision.Duration == nil || *decision.Duration != 24*time.Hour {
		t.Fatalf("expected extended ban duration of 24h, got %v", decision.Duration)
	}
}

func TestBoundaryThresholds(t *testing.T) {
	at := time.Now()
	store := newFakeStore("h2", at)
	engine := NewEngine(store, DefaultConfig())

	store.fp.ThreatScore = 59
	d := engine.decide(59)
	if d.Action != models.BanActionNone {
		t.Fatalf("score 59 (threshold-1) should not ban, got %s", d.Action)
	}
	d = engine.decide(60)
	if d.Action != models.BanActionTemporary {
		t.Fatalf("score 60 (threshold) should trigger temporary ban, got %s", d.Action)
	}
}

func TestDecayIdempotentWithinCycle(t *testing.T) {
	at := time.Now()
	store := newFakeStore("h3", at)
	store.fp.ThreatScore = 100
	engine := NewEngine(store, DefaultConfig())
	ctx := context.Background()

	d1, err := engine.Read(ctx, "h3", at.Add(1*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d2, err := engine.Read(ctx, "h3", at.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d1.Score != d2.Score || d1.Score != 100 {
		t.Fatalf("score should be unchanged within one 24h decay cycle: %d vs %d", d1.Score, d2.Score)
	}
}

func TestDecayAppliesAfterCycle(t *testing.T) {
	at := time.Now()
	store := newFakeStore("h4", at)
	store.fp.ThreatScore = 100
	engine := NewEngine(store, DefaultConfig())
	ctx := context.Background()

	d, err := engine.Read(ctx, "h4", at.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Score != 50 {
		t.Fatalf("expected score to halve after one 24h decay cycle, got %d", d.Score)
	}
}
