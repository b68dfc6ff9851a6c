package firewall

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

type fakeStore struct {
	records map[string]*models.BanRecord
}

func newFakeStore() *fakeStore { return &fakeStore{records: make(map[string]*models.BanRecord)} }

func (f *fakeStore) GetBanRecord(ctx context.Context, addr string) (*models.BanRecord, error) {
	r, ok := f.records[addr]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) UpsertBanRecord(ctx context.Context, rec *models.BanRecord) error {
	cp := *rec
	f.records[rec.Addr] = &cp
	return nil
}

func (f *fakeStore) DeactivateBanRecord(ctx context.Context, addr string, at time.Time) error {
	if r, ok := f.records[addr]; ok {
		r.IsActive = false
		r.UnbannedAt = &at
	}
	return nil
}

func (f *fakeStore) ExpiredActiveBans(ctx context.Context, at time.Time) ([]models.BanRecord, error) {
	var out []models.BanRecord
	for _, r := range f.records {
		if r.IsActive && !r.IsPermanent && r.BanUntil != nil && r.BanUntil.Before(at) {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fakeAllowList struct{ members map[string]bool }

func (f *fakeAllowList) Contains(addr string) bool { return f.members[addr] }

func TestBanThenUnbanLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := NewDryRunBackend()
	store := newFakeStore()
	exec := NewExecutor(backend, store, &fakeAllowList{members: map[string]bool{}}, Config{PermanentEscalationThreshold: 5}, nil, nil)

	dur := 60 * time.Second
	if err := exec.Ban(ctx, "198.51.100.30", "test ban", &dur, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	installed, _ := backend.IsInstalled(ctx, "198.51.100.30")
	if !installed {
		t.Fatalf("expected kernel rule to be installed")
	}
	rec, _ := store.GetBanRecord(ctx, "198.51.100.30")
	if !rec.IsActive {
		t.Fatalf("expected active ban record")
	}

	if err := exec.Unban(ctx, "198.51.100.30"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	installed, _ = backend.IsInstalled(ctx, "198.51.100.30")
	if installed {
		t.Fatalf("expected kernel rule removed after unban")
	}
	rec, _ = store.GetBanRecord(ctx, "198.51.100.30")
	if rec.IsActive || rec.UnbannedAt == nil {
		t.Fatalf("expected ban record deactivated with unbanned_at set")
	}
}

func TestReBanEscalatesToPermanentOnThirdBan(t *testing.T) {
	ctx := context.Background()
	backend := NewDryRunBackend()
	store := newFakeStore()
	exec := NewExecutor(backend, store, &fakeAllowList{members: map[string]bool{}}, Config{PermanentEscalationThreshold: 3}, nil, nil)

	dur := 1 * time.Second
	exec.Ban(ctx, "198.51.100.41", "r1", &dur, nil)
	exec.Unban(ctx, "198.51.100.41")
	exec.Ban(ctx, "198.51.100.41", "r2", &dur, nil)
	exec.Unban(ctx, "198.51.100.41")
	if err := exec.Ban(ctx, "198.51.100.41", "r3", &dur, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.GetBanRecord(ctx, "198.51.100.41")
	if !rec.IsPermanent || rec.BanUntil != nil || rec.BanCount != 3 {
		t.Fatalf("expected permanent ban with ban_count 3 on third ban, got %+v", rec)
	}
}

func TestAllowListDominance(t *testing.T) {
	ctx := context.Background()
	backend := NewDryRunBackend()
	store := newFakeStore()
	exec := NewExecutor(backend, store, &fakeAllowList{members: map[string]bool{"10.0.0.7": true}}, Config{}, nil, nil)

	err := exec.Ban(ctx, "10.0.0.7", "sql injection", nil, nil)
	if err == nil {
		t.Fatalf("expected ban of allow-listed address to be rejected")
	}
	rec, _ := store.GetBanRecord(ctx, "10.0.0.7")
	if rec != nil {
		t.Fatalf("expected no ban record for allow-listed address")
	}
}

func TestReconcileExpiredUnbansPastBans(t *testing.T) {
	ctx := context.Background()
	backend := NewDryRunBackend()
	store := newFakeStore()
	exec := NewExecutor(backend, store, &fakeAllowList{members: map[string]bool{}}, Config{PermanentEscalationThreshold: 5}, nil, nil)

	dur := 60 * time.Second
	exec.Ban(ctx, "198.51.100.30", "test ban", &dur, nil)

	n, err := exec.ReconcileExpired(ctx, time.Now().Add(65*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired ban reconciled, got %d", n)
	}
	rec, _ := store.GetBanRecord(ctx, "198.51.100.30")
	if rec.IsActive {
		t.Fatalf("expected ban record inactive after reconciliation")
	}
}
