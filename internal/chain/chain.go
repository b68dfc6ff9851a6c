// Package chain implements the behavior analyzer and identity chain
// manager (C4): it watches per-base_hash behavior diversity and grows,
// extends, and merges identity chains when a client's request shape
// evolves enough to warrant grouping.
package chain

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/rawblock/sentryfw/internal/fingerprint"
	"github.com/rawblock/sentryfw/pkg/models"
)

// Store is the narrow view of C3 the chain manager needs.
type Store interface {
	RecentAccessLogs(ctx context.Context, baseHash string, limit int) ([]models.AccessLog, error)
	GetFingerprintByBaseHash(ctx context.Context, baseHash string) (*models.Fingerprint, error)
	GetIdentityChain(ctx context.Context, id int64) (*models.IdentityChain, error)
	CreateIdentityChain(ctx context.Context, chain *models.IdentityChain) (int64, error)
	UpdateIdentityChain(ctx context.Context, chain *models.IdentityChain) error
	SetFingerprintChain(ctx context.Context, baseHash string, chainID int64, isRoot bool) error
	RelinkAccessLogsToChain(ctx context.Context, baseHash string, chainID int64) error
	RelinkChainMembers(ctx context.Context, fromChainID, toChainID int64) error
	DeleteIdentityChain(ctx context.Context, id int64) error
}

// Config tunes the diversity trigger (§4.4).
type Config struct {
	HistoryWindow      int     // default 1000
	SameBaseCount      int     // default 10
	BehaviorChangeRate float64 // default 0.3
}

// DefaultConfig mirrors the spec's numeric defaults.
func DefaultConfig() Config {
	return Config{HistoryWindow: 1000, SameBaseCount: 10, BehaviorChangeRate: 0.3}
}

// Manager evaluates behavior diversity after every AccessLog write and
// drives IdentityChain creation, extension, and (administratively) merge.
type Manager struct {
	store  Store
	config Config
}

// NewManager constructs a Manager bound to a store and configuration.
func NewManager(store Store, config Config) *Manager {
	return &Manager{store: store, config: config}
}

// Analysis is the diagnostic result of examining a base_hash's recent window.
type Analysis struct {
	LogCount         int
	UniqueBehaviors  int
	Diversity        float64
	ShouldCreateOrExtend bool
}

// Analyze computes behavior diversity for baseHash over the configured window.
func (m *Manager) Analyze(ctx context.Context, baseHash string) (Analysis, error) {
	logs, err := m.store.RecentAccessLogs(ctx, baseHash, m.config.HistoryWindow)
	if err != nil {
		return Analysis{}, fmt.Errorf("chain: loading recent access logs: %w", err)
	}
	if len(logs) < m.config.SameBaseCount {
		return Analysis{LogCount: len(logs)}, nil
	}

	distinct := make(map[string]struct{}, len(logs))
	for _, l := range logs {
		distinct[l.BehaviorHash] = struct{}{}
	}
	diversity := float64(len(distinct)) / float64(len(logs))

	return Analysis{
		LogCount:             len(logs),
		UniqueBehaviors:      len(distinct),
		Diversity:            diversity,
		ShouldCreateOrExtend: diversity >= m.config.BehaviorChangeRate,
	}, nil
}

// Evaluate runs Analyze and, if triggered, creates or extends the
// IdentityChain owning baseHash. It is the entry point the coordinator
// calls after every AccessLog insert.
func (m *Manager) Evaluate(ctx context.Context, baseHash string, at time.Time) error {
	analysis, err := m.Analyze(ctx, baseHash)
	if err != nil {
		return err
	}
	if !analysis.ShouldCreateOrExtend {
		return nil
	}

	fp, err := m.store.GetFingerprintByBaseHash(ctx, baseHash)
	if err != nil {
		return fmt.Errorf("chain: loading fingerprint %s: %w", baseHash, err)
	}
	if fp == nil {
		return nil // fingerprint not yet written; nothing to attach to
	}

	if fp.ChainID == nil {
		return m.createChain(ctx, baseHash, analysis, at)
	}
	return m.extendChain(ctx, *fp.ChainID, baseHash, analysis, at)
}

func (m *Manager) createChain(ctx context.Context, baseHash string, analysis Analysis, at time.Time) error {
	root := fingerprint.IdentityHash([]string{baseHash})
	entry := models.EvolutionEntry{
		BaseHash:  baseHash,
		Timestamp: at,
		Cause:     "behavior_evolution",
		Diversity: analysis.Diversity,
	}
	short := baseHash
	if len(short) > 12 {
		short = short[:12]
	}
	newChain := &models.IdentityChain{
		RootHash:    root,
		CreatedAt:   at,
		UpdatedAt:   at,
		MemberCount: 1,
		VisitCount:  int64(analysis.LogCount),
		History:     []models.EvolutionEntry{entry},
		Description: fmt.Sprintf("chain rooted at %s", short),
	}
	id, err := m.store.CreateIdentityChain(ctx, newChain)
	if err != nil {
		return fmt.Errorf("chain: creating chain: %w", err)
	}
	if err := m.store.SetFingerprintChain(ctx, baseHash, id, true); err != nil {
		return fmt.Errorf("chain: attaching fingerprint to new chain: %w", err)
	}
	return m.store.RelinkAccessLogsToChain(ctx, baseHash, id)
}

func (m *Manager) extendChain(ctx context.Context, chainID int64, baseHash string, analysis Analysis, at time.Time) error {
	c, err := m.store.GetIdentityChain(ctx, chainID)
	if err != nil {
		return fmt.Errorf("chain: loading chain %d: %w", chainID, err)
	}
	if c == nil {
		return fmt.Errorf("chain: %d referenced by fingerprint but does not exist", chainID)
	}

	entry := models.EvolutionEntry{
		BaseHash:  baseHash,
		Timestamp: at,
		Cause:     "behavior_evolution",
		Diversity: analysis.Diversity,
	}
	c.History = append(c.History, entry)
	c.RootHash = fingerprint.IdentityHash(memberHashes(c.History))
	c.MemberCount++
	c.VisitCount += int64(analysis.LogCount)
	c.UpdatedAt = at

	return m.store.UpdateIdentityChain(ctx, c)
}

func memberHashes(history []models.EvolutionEntry) []string {
	seen := make(map[string]struct{}, len(history))
	out := make([]string, 0, len(history))
	for _, e := range history {
		if _, ok := seen[e.BaseHash]; ok {
			continue
		}
		seen[e.BaseHash] = struct{}{}
		out = append(out, e.BaseHash)
	}
	return out
}

// Merge combines chain B into chain A: concatenates evolution histories
// sorted by timestamp, recomputes root_hash, sums visit counts, takes the
// max threat score, re-parents every member, and deletes B. Administrative
// operation; must run inside a single store transaction by the caller.
func (m *Manager) Merge(ctx context.Context, aID, bID int64) error {
	a, err := m.store.GetIdentityChain(ctx, aID)
	if err != nil {
		return fmt.Errorf("chain: loading chain %d: %w", aID, err)
	}
	b, err := m.store.GetIdentityChain(ctx, bID)
	if err != nil {
		return fmt.Errorf("chain: loading chain %d: %w", bID, err)
	}
	if a == nil || b == nil {
		return fmt.Errorf("chain: merge requires both chains to exist")
	}

	merged := append(append([]models.EvolutionEntry{}, a.History...), b.History...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })

	a.History = merged
	a.RootHash = fingerprint.IdentityHash(memberHashes(merged))
	a.VisitCount += b.VisitCount
	a.MemberCount = len(memberHashes(merged))
	if b.ThreatScore > a.ThreatScore {
		a.ThreatScore = b.ThreatScore
	}
	a.UpdatedAt = time.Now()

	if err := m.store.UpdateIdentityChain(ctx, a); err != nil {
		return fmt.Errorf("chain: updating merged chain %d: %w", aID, err)
	}
	if err := m.store.RelinkChainMembers(ctx, bID, aID); err != nil {
		return fmt.Errorf("chain: relinking members from %d to %d: %w", bID, aID, err)
	}
	return m.store.DeleteIdentityChain(ctx, bID)
}

var (
	numericSegment = regexp.MustCompile(`/\d+`)
	uuidSegment    = regexp.MustCompile(`(?i)/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	hashSegment    = regexp.MustCompile(`(?i)/[0-9a-f]{32,}`)
)

// ExtractPathPattern collapses numeric IDs, UUIDs, and long hex segments
// into placeholders, used for scan detection and diagnostics (§4.4).
func ExtractPathPattern(path string) string {
	path = uuidSegment.ReplaceAllString(path, "/{uuid}")
	path = hashSegment.ReplaceAllString(path, "/{hash}")
	path = numericSegment.ReplaceAllString(path, "/{id}")
	return path
}
