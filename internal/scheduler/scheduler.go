// Package scheduler runs the three periodic maintenance jobs C8 names:
// expired-ban reconciliation, daily retention sweeps, and hourly statistics
// aggregation. Each run starts in its own goroutine; a job still in progress
// at its next tick skips that tick rather than overlapping itself. Runs of
// different jobs are not serialized against each other and may overlap.
package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/rawblock/sentryfw/internal/store"
	"github.com/rawblock/sentryfw/pkg/models"
)

// FirewallReconciler unbans addresses whose temporary ban has expired.
type FirewallReconciler interface {
	ReconcileExpired(ctx context.Context, at time.Time) (int, error)
}

// Retainer runs the retention sweep against durable storage.
type Retainer interface {
	RunRetentionSweep(ctx context.Context, horizon time.Duration, at time.Time) (store.RetentionResult, error)
}

// StatsAggregator computes and persists one statistics period.
type StatsAggregator interface {
	AggregateStatistics(ctx context.Context, from, to time.Time) (models.Statistics, error)
	InsertStatistics(ctx context.Context, stat models.Statistics) error
}

// Config tunes job cadence (§8).
type Config struct {
	BanSweepInterval   time.Duration // default 300s
	RetentionHorizon   time.Duration // default 72h (3 days)
	RetentionHourLocal int           // default 3 (03:00 local)
}

// DefaultConfig mirrors the spec's scheduler defaults.
func DefaultConfig() Config {
	return Config{
		BanSweepInterval:   300 * time.Second,
		RetentionHorizon:   72 * time.Hour,
		RetentionHourLocal: 3,
	}
}

// Scheduler drives the ban-sweep, retention, and statistics jobs on
// independent tickers inside a single goroutine's select loop.
type Scheduler struct {
	config   Config
	firewall FirewallReconciler
	store    Retainer
	stats    StatsAggregator

	banSweepRunning   atomic.Bool
	retentionRunning  atomic.Bool
	statsRunning      atomic.Bool
	lastRetentionDate atomic.Value // string, "2006-01-02" of the last date the retention job ran; read in maybeRunRetention, written by runRetention, which runs in its own goroutine
}

// New constructs a Scheduler. Any of firewall/store/stats may be nil, in
// which case the corresponding job is a no-op tick (useful for tests that
// only exercise one job).
func New(config Config, firewall FirewallReconciler, st Retainer, stats StatsAggregator) *Scheduler {
	return &Scheduler{config: config, firewall: firewall, store: st, stats: stats}
}

// Run blocks until ctx is cancelled, firing each job on its own ticker.
func (s *Scheduler) Run(ctx context.Context) {
	log.Println("[Scheduler] starting")

	banTicker := time.NewTicker(s.config.BanSweepInterval)
	defer banTicker.Stop()

	// Retention is evaluated on a one-minute heartbeat and gated by the
	// wall-clock check in maybeRunRetention (configured local hour, once per
	// date). Statistics run on their own hourly ticker counted from startup,
	// not aligned to the top of the hour; each run covers the 60 minutes
	// before it.
	heartbeat := time.NewTicker(time.Minute)
	defer heartbeat.Stop()

	statsTicker := time.NewTicker(time.Hour)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] stopping")
			return
		case <-banTicker.C:
			go s.runBanSweep(ctx)
		case <-statsTicker.C:
			go s.runStatistics(ctx)
		case <-heartbeat.C:
			s.maybeRunRetention(ctx)
		}
	}
}

func (s *Scheduler) runBanSweep(ctx context.Context) {
	if s.firewall == nil {
		return
	}
	if !s.banSweepRunning.CompareAndSwap(false, true) {
		log.Println("[Scheduler] ban sweep already running, skipping tick")
		return
	}
	defer s.banSweepRunning.Store(false)

	n, err := s.firewall.ReconcileExpired(ctx, time.Now())
	if err != nil {
		log.Printf("[Scheduler] ban sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Scheduler] ban sweep reconciled %d expired ban(s)", n)
	}
}

func (s *Scheduler) maybeRunRetention(ctx context.Context) {
	now := time.Now()
	if now.Hour() != s.config.RetentionHourLocal {
		return
	}
	today := now.Format("2006-01-02")
	if last, ok := s.lastRetentionDate.Load().(string); ok && last == today {
		return
	}
	go s.runRetention(ctx, today)
}

func (s *Scheduler) runRetention(ctx context.Context, dateKey string) {
	if s.store == nil {
		return
	}
	if !s.retentionRunning.CompareAndSwap(false, true) {
		log.Println("[Scheduler] retention sweep already running, skipping tick")
		return
	}
	defer s.retentionRunning.Store(false)

	res, err := s.store.RunRetentionSweep(ctx, s.config.RetentionHorizon, time.Now())
	if err != nil {
		log.Printf("[Scheduler] retention sweep failed: %v", err)
		return
	}
	s.lastRetentionDate.Store(dateKey)
	log.Printf("[Scheduler] retention sweep complete: %d fingerprints, %d access logs, %d threat events, %d chains removed",
		res.FingerprintsDeleted, res.AccessLogsDeleted, res.ThreatEventsDeleted, res.ChainsDeleted)
}

func (s *Scheduler) runStatistics(ctx context.Context) {
	if s.stats == nil {
		return
	}
	if !s.statsRunning.CompareAndSwap(false, true) {
		log.Println("[Scheduler] statistics job already running, skipping tick")
		return
	}
	defer s.statsRunning.Store(false)

	to := time.Now()
	from := to.Add(-time.Hour)
	stat, err := s.stats.AggregateStatistics(ctx, from, to)
	if err != nil {
		log.Printf("[Scheduler] statistics aggregation failed: %v", err)
		return
	}
	if err := s.stats.InsertStatistics(ctx, stat); err != nil {
		log.Printf("[Scheduler] statistics persist failed: %v", err)
		return
	}
	log.Printf("[Scheduler] statistics recorded: %d requests, %d distinct addresses", stat.RequestCount, stat.DistinctAddrs)
}
