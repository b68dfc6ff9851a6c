// Package scoring implements the decaying threat-score engine (C6): score
// additions, time decay, and ban-threshold decisions.
package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

const maxScore = 200

// Config holds the scoring engine's tunables (§4.6).
type Config struct {
	DecayHours          int
	DecayRate           float64
	BaseScores          map[models.ThreatType]int
	SeverityMultipliers map[models.Severity]float64

	TemporaryThreshold int
	ExtendedThreshold  int
	PermanentThreshold int

	TemporaryBanDuration time.Duration
	ExtendedBanDuration  time.Duration

	PermanentEscalationBans int
}

// DefaultConfig mirrors the spec's numeric defaults.
func DefaultConfig() Config {
	return Config{
		DecayHours: 24,
		DecayRate:  0.5,
		BaseScores: map[models.ThreatType]int{
			models.ThreatSQLInjection:  50,
			models.ThreatXSS:           40,
			models.ThreatRateLimit:     25,
			models.ThreatPathScan:      30,
			models.ThreatSensitivePath: 15,
			models.ThreatBadUserAgent:  20,
		},
		SeverityMultipliers: map[models.Severity]float64{
			models.SeverityCritical: 2.0,
			models.SeverityHigh:     1.5,
			models.SeverityMedium:   1.0,
			models.SeverityLow:      0.5,
		},
		TemporaryThreshold:      60,
		ExtendedThreshold:       100,
		PermanentThreshold:      150,
		TemporaryBanDuration:    1 * time.Hour,
		ExtendedBanDuration:     24 * time.Hour,
		PermanentEscalationBans: 5,
	}
}

// Store is the narrow view of C3 the scoring engine needs.
type Store interface {
	GetFingerprintByBaseHash(ctx context.Context, baseHash string) (*models.Fingerprint, error)
	UpdateFingerprintScore(ctx context.Context, baseHash string, newScore int, at time.Time) error
	InsertScoreHistory(ctx context.Context, entry models.ScoreHistory) error
}

// Engine applies decay and additions to fingerprint scores and derives ban
// decisions from the resulting total.
type Engine struct {
	store  Store
	config Config
}

// NewEngine constructs an Engine bound to a store and configuration.
func NewEngine(store Store, config Config) *Engine {
	return &Engine{store: store, config: config}
}

// decay applies the decay formula: k = floor(hours_since/decay_hours),
// score *= decay_rate^k, floored to an integer. Idempotent within a cycle:
// if fewer than decay_hours have passed, score is returned unchanged.
func (e *Engine) decay(score int, hoursSince float64) int {
	if e.config.DecayHours <= 0 || hoursSince < float64(e.config.DecayHours) {
		return score
	}
	k := math.Floor(hoursSince / float64(e.config.DecayHours))
	decayed := float64(score) * math.Pow(e.config.DecayRate, k)
	return int(math.Floor(decayed))
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// ApplyFinding decays the fingerprint's current score to `at`, adds the
// delta for the given finding, clamps to [0, 200], persists a ScoreHistory
// row, and returns the resulting ban decision.
func (e *Engine) ApplyFinding(ctx context.Context, baseHash string, finding models.Finding, threatEventID *int64, at time.Time) (models.ScoreDecision, error) {
	base := e.config.BaseScores[finding.ThreatType]
	mult := e.config.SeverityMultipliers[finding.Severity]
	delta := int(math.Floor(float64(base) * mult))

	reason := fmt.Sprintf("%s (%s)", finding.ThreatType, finding.Severity)
	return e.applyDelta(ctx, baseHash, delta, reason, threatEventID, models.ActorSystem, at)
}

// ApplyBehaviorBonus adds a named positive delta for a detected behavior
// pattern (e.g. tool-switching, geo-anomaly), going through the same audit
// path as a threat finding.
func (e *Engine) ApplyBehaviorBonus(ctx context.Context, baseHash, patternName string, delta int, at time.Time) (models.ScoreDecision, error) {
	return e.applyDelta(ctx, baseHash, delta, fmt.Sprintf("behavior_pattern: %s", patternName), nil, models.ActorSystem, at)
}

// ApplyReward subtracts a named negative delta (a reward), going through
// the same audit path as a threat finding.
func (e *Engine) ApplyReward(ctx context.Context, baseHash, rewardName string, delta int, at time.Time) (models.ScoreDecision, error) {
	return e.applyDelta(ctx, baseHash, -delta, fmt.Sprintf("reward: %s", rewardName), nil, models.ActorAdmin, at)
}

func (e *Engine) applyDelta(ctx context.Context, baseHash string, delta int, reason string, threatEventID *int64, actor models.Actor, at time.Time) (models.ScoreDecision, error) {
	fp, err := e.store.GetFingerprintByBaseHash(ctx, baseHash)
	if err != nil {
		return models.ScoreDecision{}, fmt.Errorf("scoring: loading fingerprint %s: %w", baseHash, err)
	}
	if fp == nil {
		return models.ScoreDecision{}, fmt.Errorf("scoring: no fingerprint for base_hash %s", baseHash)
	}

	hoursSince := at.Sub(fp.LastScoreUpdate).Hours()
	decayed := e.decay(fp.ThreatScore, hoursSince)
	total := clamp(decayed + delta)

	if err := e.store.UpdateFingerprintScore(ctx, baseHash, total, at); err != nil {
		return models.ScoreDecision{}, fmt.Errorf("scoring: updating score for %s: %w", baseHash, err)
	}
	if err := e.store.InsertScoreHistory(ctx, models.ScoreHistory{
		Timestamp:     at,
		FingerprintID: fp.ID,
		BaseHash:      baseHash,
		Delta:         delta,
		TotalAfter:    total,
		Reason:        reason,
		ThreatEventID: threatEventID,
		Actor:         actor,
	}); err != nil {
		return models.ScoreDecision{}, fmt.Errorf("scoring: recording score history for %s: %w", baseHash, err)
	}

	return e.decide(total), nil
}

// Read returns the current, decayed score and ban decision for a
// fingerprint without applying any delta (a pure read-through of decay).
func (e *Engine) Read(ctx context.Context, baseHash string, at time.Time) (models.ScoreDecision, error) {
	fp, err := e.store.GetFingerprintByBaseHash(ctx, baseHash)
	if err != nil {
		return models.ScoreDecision{}, fmt.Errorf("scoring: loading fingerprint %s: %w", baseHash, err)
	}
	if fp == nil {
		return models.ScoreDecision{}, fmt.Errorf("scoring: no fingerprint for base_hash %s", baseHash)
	}
	hoursSince := at.Sub(fp.LastScoreUpdate).Hours()
	total := clamp(e.decay(fp.ThreatScore, hoursSince))
	return e.decide(total), nil
}

func (e *Engine) decide(score int) models.ScoreDecision {
	d := models.ScoreDecision{Score: score, RiskLevel: riskLevel(e.config, score)}

	switch {
	case score >= e.config.PermanentThreshold:
		d.Action = models.BanActionPermanent
	case score >= e.config.ExtendedThreshold:
		d.Action = models.BanActionExtended
		dur := e.config.ExtendedBanDuration
		d.Duration = &dur
	case score >= e.config.TemporaryThreshold:
		d.Action = models.BanActionTemporary
		dur := e.config.TemporaryBanDuration
		d.Duration = &dur
	default:
		d.Action = models.BanActionNone
	}
	return d
}

func riskLevel(c Config, score int) models.RiskLevel {
	switch {
	case score >= c.PermanentThreshold:
		return models.RiskCritical
	case score >= c.ExtendedThreshold:
		return models.RiskHigh
	case score >= c.TemporaryThreshold:
		return models.RiskMedium
	case score >= 30:
		return models.RiskLow
	default:
		return models.RiskSafe
	}
}
