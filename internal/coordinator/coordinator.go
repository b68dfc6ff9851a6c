// Package coordinator implements C9: it takes each Record off the tailer's
// channel and drives it through hashing, persistence, behavior analysis,
// detection, scoring, and enforcement, per §4.9.
package coordinator

import (
	"context"
	"hash/fnv"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/rawblock/sentryfw/internal/fingerprint"
	"github.com/rawblock/sentryfw/pkg/models"
)

// AllowChecker reports allow-list membership.
type AllowChecker interface {
	Contains(addr string) bool
}

// DenyChecker reports deny-list membership; a match bans unconditionally,
// bypassing detection and scoring entirely.
type DenyChecker interface {
	Contains(addr string) bool
}

// Store is the subset of C3 the coordinator drives directly.
type Store interface {
	RecordVisit(ctx context.Context, rec models.Record) (accessLogID int64, fp *models.Fingerprint, err error)
	InsertThreatEvent(ctx context.Context, ev models.ThreatEvent) (int64, error)
	UpdateThreatEventAction(ctx context.Context, id int64, action models.ActionTaken, handled bool) error
}

// ChainEvaluator runs the behavior analyzer (C4) for one identity.
type ChainEvaluator interface {
	Evaluate(ctx context.Context, baseHash string, at time.Time) error
}

// RuleEngine runs admin-defined additive-only custom rules (optional; §4.9
// step 5). A nil RuleEngine skips the step entirely.
type RuleEngine interface {
	Evaluate(rec models.Record) []models.Finding
}

// ThreatDetector runs the C5 battery.
type ThreatDetector interface {
	Evaluate(rec models.Record) []models.Finding
}

// ScoringEngine applies one finding's delta and returns the resulting ban decision.
type ScoringEngine interface {
	ApplyFinding(ctx context.Context, baseHash string, finding models.Finding, threatEventID *int64, at time.Time) (models.ScoreDecision, error)
}

// BanExecutor installs enforcement decisions (C7).
type BanExecutor interface {
	Ban(ctx context.Context, addr, reason string, duration *time.Duration, threatEventID *int64) error
}

// AlertEmitter fans out side-channel signals for high-severity findings and bans.
type AlertEmitter interface {
	EmitThreat(ev models.ThreatEvent)
	EmitBan(addr, reason string, permanent bool)
}

// Config tunes the worker pool and backpressure cap (§5).
type Config struct {
	Workers  int // number of shard workers
	QueueCap int // total bounded queue capacity across all workers, default 10000
}

// DefaultConfig mirrors the spec's concurrency defaults.
func DefaultConfig() Config {
	return Config{Workers: 8, QueueCap: 10000}
}

// Coordinator partitions records by base_hash across a bounded worker pool
// so that all work for one identity is serialized without locks (§5).
type Coordinator struct {
	config    Config
	allowList AllowChecker
	denyList  DenyChecker
	store     Store
	chains    ChainEvaluator
	rules     RuleEngine
	detector  ThreatDetector
	scoring   ScoringEngine
	firewall  BanExecutor
	alerts    AlertEmitter

	shards []chan models.Record
	wg     sync.WaitGroup
}

// New constructs a Coordinator. rules, alerts, and denyList may be nil to
// skip their optional steps.
func New(config Config, allowList AllowChecker, store Store, chains ChainEvaluator, rules RuleEngine,
	detector ThreatDetector, scoring ScoringEngine, firewall BanExecutor, alerts AlertEmitter) *Coordinator {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueCap < config.Workers {
		config.QueueCap = config.Workers
	}
	perShard := config.QueueCap / config.Workers
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan models.Record, config.Workers)
	for i := range shards {
		shards[i] = make(chan models.Record, perShard)
	}
	return &Coordinator{
		config: config, allowList: allowList, store: store, chains: chains, rules: rules,
		detector: detector, scoring: scoring, firewall: firewall, alerts: alerts, shards: shards,
	}
}

// Start launches one worker goroutine per shard. It returns immediately;
// call Wait (after cancelling ctx) to block until all workers have exited.
func (c *Coordinator) Start(ctx context.Context) {
	for i := range c.shards {
		c.wg.Add(1)
		go c.runWorker(ctx, c.shards[i])
	}
}

// Wait blocks until every worker goroutine has drained its shard and exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// SetDenyList wires a deny-list check; a matching address is banned
// unconditionally and never reaches the worker pool.
func (c *Coordinator) SetDenyList(d DenyChecker) {
	c.denyList = d
}

func (c *Coordinator) runWorker(ctx context.Context, in chan models.Record) {
	defer c.wg.Done()
	for {
		select {
		case rec, ok := <-in:
			if !ok {
				return
			}
			c.process(ctx, rec)
		case <-ctx.Done():
			// Drain whatever is already queued before exiting so records
			// accepted before cancellation are not silently dropped.
			for {
				select {
				case rec, ok := <-in:
					if !ok {
						return
					}
					c.process(context.Background(), rec)
				default:
					return
				}
			}
		}
	}
}

// Enqueue stamps a Record's identity hashes and routes it to the worker
// owning its base_hash, blocking if that worker's queue is full (§5
// backpressure: block-and-catch-up is the default policy). Allow-listed
// addresses are dropped before any further work (§4.9 step 1).
func (c *Coordinator) Enqueue(ctx context.Context, rec models.Record) {
	if c.allowList != nil && c.allowList.Contains(rec.Addr) {
		return
	}
	if c.denyList != nil && c.denyList.Contains(rec.Addr) && c.firewall != nil {
		if err := c.firewall.Ban(ctx, rec.Addr, "deny-list match", nil, nil); err != nil {
			log.Printf("[Coordinator] deny-list ban failed for %s: %v", rec.Addr, err)
		}
		return
	}

	rec.BaseHash = fingerprint.BaseHash(rec.Addr, rec.UserAgent)
	rec.BehaviorHash = fingerprint.BehaviorHash(rec.Path, rec.Method, rec.Status)

	shard := c.shards[shardIndex(rec.BaseHash, len(c.shards))]
	select {
	case shard <- rec:
	case <-ctx.Done():
	}
}

func shardIndex(baseHash string, numShards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(baseHash))
	return int(h.Sum32() % uint32(numShards))
}

// process drives one Record through steps 3-8 of §4.9. Any failure is
// logged and does not halt the pipeline; per-record work is isolated.
func (c *Coordinator) process(ctx context.Context, rec models.Record) {
	accessLogID, fp, err := c.store.RecordVisit(ctx, rec)
	if err != nil {
		log.Printf("[Coordinator] failed to record visit for %s: %v", rec.BaseHash, err)
		return
	}
	_ = accessLogID

	if c.chains != nil {
		if err := c.chains.Evaluate(ctx, rec.BaseHash, rec.Timestamp); err != nil {
			log.Printf("[Coordinator] behavior analysis failed for %s: %v", rec.BaseHash, err)
		}
	}

	var findings []models.Finding
	if c.rules != nil {
		findings = append(findings, c.rules.Evaluate(rec)...)
	}
	if c.detector != nil {
		findings = append(findings, c.detector.Evaluate(rec)...)
	}

	var chainID *int64
	if fp != nil {
		chainID = fp.ChainID
	}

	for _, finding := range findings {
		c.handleFinding(ctx, rec, chainID, finding)
	}
}

// withRequestFeatures copies details and adds the record's diagnostic
// features under keys namespaced feature.*, so every persisted ThreatEvent
// carries enough context (bot/browser/mobile UA class, path depth, API
// shape) to triage a finding without re-parsing the original access log
// line. Detector-set keys always win on collision.
func withRequestFeatures(details map[string]string, rec models.Record) map[string]string {
	feat := fingerprint.ExtractFeatures(rec.Path, rec.Query, rec.UserAgent, rec.Status)
	out := make(map[string]string, len(details)+6)
	out["feature.pathDepth"] = strconv.Itoa(feat.PathDepth)
	out["feature.isAPIRequest"] = strconv.FormatBool(feat.IsAPIRequest)
	out["feature.hasQueryParams"] = strconv.FormatBool(feat.HasQueryParams)
	out["feature.isBot"] = strconv.FormatBool(feat.IsBot)
	out["feature.isBrowser"] = strconv.FormatBool(feat.IsBrowser)
	out["feature.isMobile"] = strconv.FormatBool(feat.IsMobile)
	for k, v := range details {
		out[k] = v
	}
	return out
}

func (c *Coordinator) handleFinding(ctx context.Context, rec models.Record, chainID *int64, finding models.Finding) {
	event := models.ThreatEvent{
		Timestamp:   rec.Timestamp,
		Addr:        rec.Addr,
		BaseHash:    rec.BaseHash,
		ChainID:     chainID,
		ThreatType:  finding.ThreatType,
		Severity:    finding.Severity,
		Description: finding.Description,
		Details:     withRequestFeatures(finding.Details, rec),
		ActionTaken: models.ActionNone,
	}

	eventID, err := c.store.InsertThreatEvent(ctx, event)
	if err != nil {
		log.Printf("[Coordinator] failed to persist threat event for %s: %v", rec.BaseHash, err)
		return
	}
	event.ID = eventID

	if c.alerts != nil && severityMeetsAlertThreshold(finding.Severity) {
		c.alerts.EmitThreat(event)
	}

	if c.scoring == nil {
		return
	}
	decision, err := c.scoring.ApplyFinding(ctx, rec.BaseHash, finding, &eventID, rec.Timestamp)
	if err != nil {
		log.Printf("[Coordinator] scoring failed for %s: %v", rec.BaseHash, err)
		return
	}

	if decision.Action == models.BanActionNone {
		return
	}
	if c.firewall == nil {
		return
	}

	permanent := decision.Action == models.BanActionPermanent
	if err := c.firewall.Ban(ctx, rec.Addr, finding.Description, decision.Duration, &eventID); err != nil {
		log.Printf("[Coordinator] ban enforcement failed for %s: %v", rec.Addr, err)
		_ = c.store.UpdateThreatEventAction(ctx, eventID, models.ActionError, false)
		return
	}

	_ = c.store.UpdateThreatEventAction(ctx, eventID, models.ActionBan, true)
	if c.alerts != nil {
		c.alerts.EmitBan(rec.Addr, finding.Description, permanent)
	}
}

func severityMeetsAlertThreshold(sev models.Severity) bool {
	return sev == models.SeverityHigh || sev == models.SeverityCritical
}
