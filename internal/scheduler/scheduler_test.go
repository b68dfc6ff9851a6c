package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/sentryfw/internal/store"
	"github.com/rawblock/sentryfw/pkg/models"
)

type fakeFirewall struct {
	calls int
	block chan struct{}
}

func (f *fakeFirewall) ReconcileExpired(ctx context.Context, at time.Time) (int, error) {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	return 0, nil
}

type fakeRetainer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRetainer) RunRetentionSweep(ctx context.Context, horizon time.Duration, at time.Time) (store.RetentionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return store.RetentionResult{}, nil
}

type fakeStats struct {
	aggregated int
	inserted   int
}

func (f *fakeStats) AggregateStatistics(ctx context.Context, from, to time.Time) (models.Statistics, error) {
	f.aggregated++
	return models.Statistics{PeriodStart: from, PeriodEnd: to}, nil
}

func (f *fakeStats) InsertStatistics(ctx context.Context, stat models.Statistics) error {
	f.inserted++
	return nil
}

func TestBanSweepSkipsOverlappingTick(t *testing.T) {
	fw := &fakeFirewall{block: make(chan struct{})}
	s := New(DefaultConfig(), fw, nil, nil)

	done := make(chan struct{})
	go func() {
		s.runBanSweep(context.Background())
		close(done)
	}()

	// Give the first call a moment to acquire the single-flight guard.
	time.Sleep(20 * time.Millisecond)
	s.runBanSweep(context.Background()) // should skip immediately, not block

	close(fw.block)
	<-done

	if fw.calls != 1 {
		t.Fatalf("expected exactly 1 reconcile call, got %d", fw.calls)
	}
}

func TestMaybeRunRetentionOnlyFiresOnceAtConfiguredHour(t *testing.T) {
	retainer := &fakeRetainer{}
	s := New(Config{RetentionHourLocal: time.Now().Hour()}, nil, retainer, nil)

	today := time.Now().Format("2006-01-02")
	s.maybeRunRetention(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.maybeRunRetention(context.Background())
	time.Sleep(20 * time.Millisecond)

	retainer.mu.Lock()
	calls := retainer.calls
	retainer.mu.Unlock()

	if calls != 1 {
		t.Fatalf("expected retention to run exactly once for %s, ran %d times", today, calls)
	}
}

func TestRunStatisticsAggregatesThenPersists(t *testing.T) {
	stats := &fakeStats{}
	s := New(DefaultConfig(), nil, nil, stats)

	s.runStatistics(context.Background())

	if stats.aggregated != 1 || stats.inserted != 1 {
		t.Fatalf("expected one aggregate and one insert, got aggregate=%d insert=%d", stats.aggregated, stats.inserted)
	}
}
