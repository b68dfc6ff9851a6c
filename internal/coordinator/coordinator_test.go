package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

type fakeAllowList struct{ denied map[string]bool }

func (f *fakeAllowList) Contains(addr string) bool { return f.denied[addr] }

type fakeStore struct {
	mu      sync.Mutex
	visits  int
	events  []models.ThreatEvent
	actions map[int64]models.ActionTaken
}

func newFakeStore() *fakeStore {
	return &fakeStore{actions: make(map[int64]models.ActionTaken)}
}

func (f *fakeStore) RecordVisit(ctx context.Context, rec models.Record) (int64, *models.Fingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visits++
	return int64(f.visits), &models.Fingerprint{BaseHash: rec.BaseHash}, nil
}

func (f *fakeStore) InsertThreatEvent(ctx context.Context, ev models.ThreatEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = int64(len(f.events) + 1)
	f.events = append(f.events, ev)
	return ev.ID, nil
}

func (f *fakeStore) UpdateThreatEventAction(ctx context.Context, id int64, action models.ActionTaken, handled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[id] = action
	return nil
}

type fakeDetector struct{ findings []models.Finding }

func (f *fakeDetector) Evaluate(rec models.Record) []models.Finding { return f.findings }

type fakeScoring struct{ decision models.ScoreDecision }

func (f *fakeScoring) ApplyFinding(ctx context.Context, baseHash string, finding models.Finding, threatEventID *int64, at time.Time) (models.ScoreDecision, error) {
	return f.decision, nil
}

type fakeFirewall struct {
	mu      sync.Mutex
	banned  []string
}

func (f *fakeFirewall) Ban(ctx context.Context, addr, reason string, duration *time.Duration, threatEventID *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned = append(f.banned, addr)
	return nil
}

type fakeAlerts struct {
	mu       sync.Mutex
	threats  int
	bans     int
}

func (f *fakeAlerts) EmitThreat(ev models.ThreatEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threats++
}

func (f *fakeAlerts) EmitBan(addr, reason string, permanent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans++
}

func TestAllowListedAddressNeverReachesStore(t *testing.T) {
	store := newFakeStore()
	c := New(DefaultConfig(), &fakeAllowList{denied: map[string]bool{"10.0.0.1": true}}, store, nil, nil, nil, nil, nil, nil)
	c.Start(context.Background())

	c.Enqueue(context.Background(), models.Record{Addr: "10.0.0.1", UserAgent: "ua", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.visits != 0 {
		t.Fatalf("expected allow-listed address to skip the store, got %d visits", store.visits)
	}
}

func TestFindingTriggersScoringAndBan(t *testing.T) {
	store := newFakeStore()
	detector := &fakeDetector{findings: []models.Finding{{ThreatType: models.ThreatSQLInjection, Severity: models.SeverityCritical, Description: "sqli"}}}
	dur := time.Hour
	scoring := &fakeScoring{decision: models.ScoreDecision{Score: 137, Action: models.BanActionExtended, Duration: &dur}}
	firewall := &fakeFirewall{}
	alerts := &fakeAlerts{}

	c := New(DefaultConfig(), &fakeAllowList{}, store, nil, nil, detector, scoring, firewall, alerts)
	c.Start(context.Background())

	c.Enqueue(context.Background(), models.Record{Addr: "198.51.100.9", UserAgent: "ua", Path: "/x", Method: "GET", Status: 200, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	firewall.mu.Lock()
	bannedCount := len(firewall.banned)
	firewall.mu.Unlock()
	if bannedCount != 1 {
		t.Fatalf("expected exactly 1 ban, got %d", bannedCount)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 1 {
		t.Fatalf("expected 1 threat event persisted, got %d", len(store.events))
	}
	if store.actions[1] != models.ActionBan {
		t.Fatalf("expected threat event action_taken=ban, got %v", store.actions[1])
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if alerts.threats != 1 || alerts.bans != 1 {
		t.Fatalf("expected one threat alert and one ban alert, got threats=%d bans=%d", alerts.threats, alerts.bans)
	}
}

func TestSameBaseHashRoutesToSameShard(t *testing.T) {
	a := shardIndex("abc", 8)
	b := shardIndex("abc", 8)
	if a != b {
		t.Fatalf("expected deterministic shard routing, got %d and %d", a, b)
	}
}
