// Package models holds the core data types shared across the pipeline:
// the ephemeral Record produced by the tailer and the durable entities
// persisted by the store.
package models

import "time"

// Record is one parsed access-log line, ephemeral until a Fingerprint and
// AccessLog are derived from it.
type Record struct {
	Timestamp    time.Time
	Addr         string
	UserAgent    string
	Method       string
	Path         string
	Query        string
	Status       int
	Size         int64
	Referer      string
	Duration     float64 // seconds; zero if the profile carries none
	HasDuration  bool
	RawLine      string

	// Stamped by the fingerprint generator before the record reaches the store.
	BaseHash     string
	BehaviorHash string
}

// AccessLog is the durable record of one Record.
type AccessLog struct {
	ID           int64
	Timestamp    time.Time
	Addr         string
	UserAgent    string
	Method       string
	Path         string
	Query        string
	Status       int
	Size         int64
	Referer      string
	Duration     float64
	BaseHash     string
	BehaviorHash string
	ChainID      *int64
}

// Fingerprint is the durable per-client-identity record keyed by BaseHash.
type Fingerprint struct {
	ID               int64
	BaseHash         string
	LastAddr         string
	LastUserAgent    string
	FirstSeen        time.Time
	LastSeen         time.Time
	VisitCount       int64
	BehaviorCount    int64 // distinct behavior_hash values observed
	ThreatScore      int
	LastScoreUpdate  time.Time
	ChainID          *int64
	IsChainRoot      bool
	Metadata         map[string]string
}

// EvolutionEntry is one append-only episode in an IdentityChain's history.
type EvolutionEntry struct {
	BaseHash  string    `json:"baseHash"`
	Timestamp time.Time `json:"timestamp"`
	Cause     string    `json:"cause"`
	Diversity float64   `json:"diversity"`
}

// IdentityChain groups fingerprints whose behavior has evolved together.
type IdentityChain struct {
	ID          int64
	RootHash    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	MemberCount int
	VisitCount  int64
	ThreatScore int
	History     []EvolutionEntry
	Description string
}

// ThreatType enumerates the detectors in the battery (§4.5).
type ThreatType string

const (
	ThreatRateLimit     ThreatType = "rate_limit"
	ThreatPathScan      ThreatType = "path_scan"
	ThreatSQLInjection  ThreatType = "sql_injection"
	ThreatXSS           ThreatType = "xss"
	ThreatSensitivePath ThreatType = "sensitive_path"
	ThreatBadUserAgent  ThreatType = "bad_user_agent"
)

// Severity is the finding severity scale used throughout scoring and alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ActionTaken records the outcome of enforcement tied to a ThreatEvent.
type ActionTaken string

const (
	ActionNone  ActionTaken = "none"
	ActionBan   ActionTaken = "ban"
	ActionError ActionTaken = "error"
)

// Finding is what a detector returns for a Record; zero value means no match.
type Finding struct {
	ThreatType  ThreatType
	Severity    Severity
	Description string
	Details     map[string]string
}

// ThreatEvent is the durable record of one Finding.
type ThreatEvent struct {
	ID          int64
	Timestamp   time.Time
	Addr        string
	BaseHash    string
	ChainID     *int64
	ThreatType  ThreatType
	Severity    Severity
	Description string
	Details     map[string]string
	Handled     bool
	ActionTaken ActionTaken
}

// BanRecord is the durable, at-most-one-active-per-address ban state.
type BanRecord struct {
	ID            int64
	Addr          string
	BannedAt      time.Time
	BanUntil      *time.Time
	Reason        string
	ThreatEventID *int64
	IsPermanent   bool
	IsActive      bool
	UnbannedAt    *time.Time
	BanCount      int
}

// Actor distinguishes automated scoring writes from admin-initiated ones.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorAdmin  Actor = "admin"
)

// ScoreHistory is one append-only ledger row produced by the scoring engine.
type ScoreHistory struct {
	ID            int64
	Timestamp     time.Time
	FingerprintID int64
	BaseHash      string
	Delta         int
	TotalAfter    int
	Reason        string
	ThreatEventID *int64
	Actor         Actor
}

// ListEntry is one allow-list or deny-list membership record.
type ListEntry struct {
	ID          int64
	CIDROrAddr  string
	Description string
	Reason      string
	CreatedAt   time.Time
}

// RiskLevel classifies a fingerprint's current score for reporting.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// BanAction is the advisory decision returned by the scoring engine.
type BanAction string

const (
	BanActionNone      BanAction = "none"
	BanActionTemporary BanAction = "temporary"
	BanActionExtended  BanAction = "extended"
	BanActionPermanent BanAction = "permanent"
)

// ScoreDecision is returned by the scoring engine after applying a finding.
type ScoreDecision struct {
	Score     int
	RiskLevel RiskLevel
	Action    BanAction
	Duration  *time.Duration // nil for BanActionNone and BanActionPermanent
}

// Statistics is one hourly-aggregation row (C8 job 3).
type Statistics struct {
	ID              int64
	PeriodStart     time.Time
	PeriodEnd       time.Time
	RequestCount    int64
	DistinctAddrs   int64
	StatusHistogram map[int]int64
}
