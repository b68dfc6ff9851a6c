package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

func TestExtractPathPatternCollapsesIDs(t *testing.T) {
	got := ExtractPathPattern("/users/1042/orders/99")
	if got != "/users/{id}/orders/{id}" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractPathPatternCollapsesUUID(t *testing.T) {
	got := ExtractPathPattern("/sessions/550e8400-e29b-41d4-a716-446655440000")
	if got != "/sessions/{uuid}" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractPathPatternCollapsesHash(t *testing.T) {
	got := ExtractPathPattern("/files/abcdef0123456789abcdef0123456789")
	if got != "/files/{hash}" {
		t.Fatalf("got %q", got)
	}
}

// fakeStore implements chain.Store entirely in memory so Analyze/Evaluate/
// Merge can be exercised without Postgres.
type fakeStore struct {
	mu           sync.Mutex
	logs         map[string][]models.AccessLog
	fingerprints map[string]*models.Fingerprint
	chains       map[int64]*models.IdentityChain
	nextChainID  int64
	relinked     map[string]int64 // baseHash -> chainID, from RelinkAccessLogsToChain
	relinkedFrom map[int64]int64  // fromChainID -> toChainID, from RelinkChainMembers
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		logs:         make(map[string][]models.AccessLog),
		fingerprints: make(map[string]*models.Fingerprint),
		chains:       make(map[int64]*models.IdentityChain),
		relinked:     make(map[string]int64),
		relinkedFrom: make(map[int64]int64),
	}
}

func (f *fakeStore) RecentAccessLogs(ctx context.Context, baseHash string, limit int) ([]models.AccessLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs := f.logs[baseHash]
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	out := make([]models.AccessLog, len(logs))
	copy(out, logs)
	return out, nil
}

func (f *fakeStore) GetFingerprintByBaseHash(ctx context.Context, baseHash string) (*models.Fingerprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.fingerprints[baseHash]
	if !ok {
		return nil, nil
	}
	cp := *fp
	return &cp, nil
}

func (f *fakeStore) GetIdentityChain(ctx context.Context, id int64) (*models.IdentityChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chains[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.History = append([]models.EvolutionEntry{}, c.History...)
	return &cp, nil
}

func (f *fakeStore) CreateIdentityChain(ctx context.Context, c *models.IdentityChain) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextChainID++
	id := f.nextChainID
	cp := *c
	cp.ID = id
	f.chains[id] = &cp
	return id, nil
}

func (f *fakeStore) UpdateIdentityChain(ctx context.Context, c *models.IdentityChain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.chains[c.ID] = &cp
	return nil
}

func (f *fakeStore) SetFingerprintChain(ctx context.Context, baseHash string, chainID int64, isRoot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.fingerprints[baseHash]
	if !ok {
		fp = &models.Fingerprint{BaseHash: baseHash}
		f.fingerprints[baseHash] = fp
	}
	id := chainID
	fp.ChainID = &id
	fp.IsChainRoot = isRoot
	return nil
}

func (f *fakeStore) RelinkAccessLogsToChain(ctx context.Context, baseHash string, chainID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relinked[baseHash] = chainID
	return nil
}

func (f *fakeStore) RelinkChainMembers(ctx context.Context, fromChainID, toChainID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relinkedFrom[fromChainID] = toChainID
	return nil
}

func (f *fakeStore) DeleteIdentityChain(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chains, id)
	return nil
}

// seedLogs populates n access logs for baseHash, with distinctBehaviors
// distinct BehaviorHash values spread round-robin across them.
func seedLogs(f *fakeStore, baseHash string, n, distinctBehaviors int, start time.Time) {
	logs := make([]models.AccessLog, 0, n)
	for i := 0; i < n; i++ {
		logs = append(logs, models.AccessLog{
			BaseHash:     baseHash,
			BehaviorHash: behaviorHashFor(i % distinctBehaviors),
			Timestamp:    start.Add(time.Duration(i) * time.Second),
		})
	}
	f.logs[baseHash] = logs
}

func behaviorHashFor(n int) string {
	return "behavior-" + string(rune('a'+n))
}

func TestAnalyzeBelowSameBaseCountNeverTriggers(t *testing.T) {
	store := newFakeStore()
	seedLogs(store, "base1", 5, 5, time.Now())
	m := NewManager(store, DefaultConfig())

	a, err := m.Analyze(context.Background(), "base1")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.ShouldCreateOrExtend {
		t.Fatalf("expected no trigger with only %d logs (SameBaseCount=%d)", a.LogCount, DefaultConfig().SameBaseCount)
	}
}

func TestAnalyzeLowDiversityDoesNotTrigger(t *testing.T) {
	store := newFakeStore()
	// 20 logs, all sharing one behavior hash: diversity = 1/20 = 0.05 < 0.3.
	seedLogs(store, "base1", 20, 1, time.Now())
	m := NewManager(store, DefaultConfig())

	a, err := m.Analyze(context.Background(), "base1")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.ShouldCreateOrExtend {
		t.Fatalf("expected low-diversity window (%.2f) not to trigger", a.Diversity)
	}
}

func TestAnalyzeHighDiversityTriggers(t *testing.T) {
	store := newFakeStore()
	// 20 logs, 10 distinct behaviors: diversity = 10/20 = 0.5 >= 0.3.
	seedLogs(store, "base1", 20, 10, time.Now())
	m := NewManager(store, DefaultConfig())

	a, err := m.Analyze(context.Background(), "base1")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !a.ShouldCreateOrExtend {
		t.Fatalf("expected high-diversity window (%.2f) to trigger", a.Diversity)
	}
	if a.UniqueBehaviors != 10 || a.LogCount != 20 {
		t.Fatalf("got UniqueBehaviors=%d LogCount=%d", a.UniqueBehaviors, a.LogCount)
	}
}

func TestEvaluateCreatesChainOnFirstTrigger(t *testing.T) {
	store := newFakeStore()
	seedLogs(store, "base1", 20, 10, time.Now())
	store.fingerprints["base1"] = &models.Fingerprint{BaseHash: "base1"}
	m := NewManager(store, DefaultConfig())

	if err := m.Evaluate(context.Background(), "base1", time.Now()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	fp := store.fingerprints["base1"]
	if fp.ChainID == nil {
		t.Fatal("expected fingerprint to be attached to a new chain")
	}
	c := store.chains[*fp.ChainID]
	if c == nil {
		t.Fatal("expected chain to exist")
	}
	if c.MemberCount != 1 || len(c.History) != 1 {
		t.Fatalf("expected a freshly created single-member chain, got MemberCount=%d History=%d", c.MemberCount, len(c.History))
	}
	if store.relinked["base1"] != c.ID {
		t.Fatalf("expected access logs relinked to new chain %d, got %d", c.ID, store.relinked["base1"])
	}
	if !fp.IsChainRoot {
		t.Fatal("expected the first member to be marked chain root")
	}
}

func TestEvaluateExtendsExistingChain(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	existingID, err := store.CreateIdentityChain(context.Background(), &models.IdentityChain{
		RootHash:    "root-base1",
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Hour),
		MemberCount: 1,
		VisitCount:  5,
		History: []models.EvolutionEntry{
			{BaseHash: "base1", Timestamp: now.Add(-time.Hour), Cause: "behavior_evolution", Diversity: 0.4},
		},
	})
	if err != nil {
		t.Fatalf("seed CreateIdentityChain: %v", err)
	}
	chainID := existingID
	store.fingerprints["base1"] = &models.Fingerprint{BaseHash: "base1", ChainID: &chainID}
	seedLogs(store, "base1", 20, 10, now)
	m := NewManager(store, DefaultConfig())

	if err := m.Evaluate(context.Background(), "base1", now); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	c := store.chains[existingID]
	if c.MemberCount != 2 {
		t.Fatalf("expected MemberCount to grow to 2, got %d", c.MemberCount)
	}
	if len(c.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(c.History))
	}
	if c.VisitCount != 25 {
		t.Fatalf("expected VisitCount 5+20=25, got %d", c.VisitCount)
	}
}

func TestEvaluateNoFingerprintIsANoop(t *testing.T) {
	store := newFakeStore()
	seedLogs(store, "base1", 20, 10, time.Now())
	m := NewManager(store, DefaultConfig())

	if err := m.Evaluate(context.Background(), "base1", time.Now()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(store.chains) != 0 {
		t.Fatalf("expected no chain created when fingerprint row is missing, got %d", len(store.chains))
	}
}

func TestMergeCombinesHistoriesAndTakesMaxThreatScore(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	aID, _ := store.CreateIdentityChain(context.Background(), &models.IdentityChain{
		RootHash:    "root-a",
		VisitCount:  10,
		MemberCount: 1,
		ThreatScore: 30,
		History: []models.EvolutionEntry{
			{BaseHash: "base-a", Timestamp: now.Add(-2 * time.Hour)},
		},
	})
	bID, _ := store.CreateIdentityChain(context.Background(), &models.IdentityChain{
		RootHash:    "root-b",
		VisitCount:  7,
		MemberCount: 1,
		ThreatScore: 80,
		History: []models.EvolutionEntry{
			{BaseHash: "base-b", Timestamp: now.Add(-time.Hour)},
		},
	})
	m := NewManager(store, DefaultConfig())

	if err := m.Merge(context.Background(), aID, bID); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	merged := store.chains[aID]
	if merged.VisitCount != 17 {
		t.Fatalf("expected VisitCount 10+7=17, got %d", merged.VisitCount)
	}
	if merged.ThreatScore != 80 {
		t.Fatalf("expected max(30,80)=80, got %d", merged.ThreatScore)
	}
	if merged.MemberCount != 2 {
		t.Fatalf("expected 2 distinct members after merge, got %d", merged.MemberCount)
	}
	if len(merged.History) != 2 || merged.History[0].BaseHash != "base-a" || merged.History[1].BaseHash != "base-b" {
		t.Fatalf("expected history sorted by timestamp (base-a, base-b), got %+v", merged.History)
	}
	if store.relinkedFrom[bID] != aID {
		t.Fatalf("expected chain members relinked from %d to %d", bID, aID)
	}
	if _, stillExists := store.chains[bID]; stillExists {
		t.Fatal("expected chain B to be deleted after merge")
	}
}
