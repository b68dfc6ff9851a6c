// Package firewall implements the ban/unban executor (C7): it enforces ban
// decisions on the host packet filter, reconciles them with persisted ban
// state, and exposes port/rate-limit management through the same backend
// abstraction.
package firewall

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

// Backend hides packet-filter differences behind one interface. Two
// concrete implementations are expected: Linux (iptables) and Windows
// (netsh); a DryRun backend satisfies the same interface for test
// environments and disabled deployments.
type Backend interface {
	Ban(ctx context.Context, addr, reason string, expiry *time.Time) error
	Unban(ctx context.Context, addr string) error
	IsInstalled(ctx context.Context, addr string) (bool, error)
	ListBanned(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
	OpenPort(ctx context.Context, port int, proto, source string) error
	ClosePort(ctx context.Context, port int, proto string) error
	BlockPort(ctx context.Context, port int, proto string) error
	AddRateLimit(ctx context.Context, limit int, period time.Duration, port int) error
}

// Store is the narrow view of C3 the executor needs.
type Store interface {
	GetBanRecord(ctx context.Context, addr string) (*models.BanRecord, error)
	UpsertBanRecord(ctx context.Context, rec *models.BanRecord) error
	DeactivateBanRecord(ctx context.Context, addr string, at time.Time) error
	ExpiredActiveBans(ctx context.Context, at time.Time) ([]models.BanRecord, error)
}

// AllowChecker reports allow-list membership; the executor rejects ban
// requests for allow-listed addresses unconditionally (§4.7 step 1).
type AllowChecker interface {
	Contains(addr string) bool
}

// Config tunes ban escalation.
type Config struct {
	PermanentEscalationThreshold int // default 5
}

// Executor enforces ban decisions against a Backend and keeps BanRecords
// consistent, per the state machine in §4.7.
type Executor struct {
	backend    Backend
	store      Store
	allowList  AllowChecker
	config     Config
	onBan      func(addr, reason string, permanent bool)
	onUnban    func(addr string)
}

// NewExecutor constructs an Executor. onBan/onUnban may be nil; when set
// they are invoked after a successful enforcement action (wiring point for
// the alert manager).
func NewExecutor(backend Backend, store Store, allowList AllowChecker, config Config, onBan func(addr, reason string, permanent bool), onUnban func(addr string)) *Executor {
	return &Executor{backend: backend, store: store, allowList: allowList, config: config, onBan: onBan, onUnban: onUnban}
}

// Ban enforces a ban for addr. duration==nil means permanent. Idempotent:
// if the address is already actively banned with an installed rule, this
// is a no-op. Allow-listed addresses are rejected outright.
func (e *Executor) Ban(ctx context.Context, addr, reason string, duration *time.Duration, threatEventID *int64) error {
	if e.allowList != nil && e.allowList.Contains(addr) {
		return fmt.Errorf("firewall: refusing to ban allow-listed address %s", addr)
	}

	existing, err := e.store.GetBanRecord(ctx, addr)
	if err != nil {
		return fmt.Errorf("firewall: loading ban record for %s: %w", addr, err)
	}

	installed, err := e.backend.IsInstalled(ctx, addr)
	if err != nil {
		log.Printf("[Firewall] is_installed check failed for %s, proceeding with enforcement: %v", addr, err)
	}
	if existing != nil && existing.IsActive && installed {
		return nil // already effectively banned
	}

	var expiry *time.Time
	if duration != nil {
		t := time.Now().Add(*duration)
		expiry = &t
	}

	if err := e.backend.Ban(ctx, addr, reason, expiry); err != nil {
		return fmt.Errorf("firewall: installing ban rule for %s: %w", addr, err)
	}

	now := time.Now()
	var rec *models.BanRecord
	if existing != nil {
		rec = existing
		rec.BannedAt = now
		rec.BanUntil = expiry
		rec.Reason = reason
		rec.ThreatEventID = threatEventID
		rec.IsActive = true
		rec.UnbannedAt = nil
		rec.BanCount++
	} else {
		rec = &models.BanRecord{
			Addr:          addr,
			BannedAt:      now,
			BanUntil:      expiry,
			Reason:        reason,
			ThreatEventID: threatEventID,
			IsActive:      true,
			BanCount:      1,
		}
	}

	threshold := e.config.PermanentEscalationThreshold
	if threshold <= 0 {
		threshold = 5
	}
	if rec.BanCount >= threshold {
		rec.IsPermanent = true
		rec.BanUntil = nil
	} else {
		rec.IsPermanent = duration == nil
	}

	if err := e.store.UpsertBanRecord(ctx, rec); err != nil {
		return fmt.Errorf("firewall: persisting ban record for %s: %w", addr, err)
	}

	if e.onBan != nil {
		e.onBan(addr, reason, rec.IsPermanent)
	}
	return nil
}

// Unban deletes every matching kernel rule for addr and deactivates the
// active BanRecord.
func (e *Executor) Unban(ctx context.Context, addr string) error {
	if err := e.backend.Unban(ctx, addr); err != nil {
		return fmt.Errorf("firewall: removing ban rule for %s: %w", addr, err)
	}
	if err := e.store.DeactivateBanRecord(ctx, addr, time.Now()); err != nil {
		return fmt.Errorf("firewall: deactivating ban record for %s: %w", addr, err)
	}
	if e.onUnban != nil {
		e.onUnban(addr)
	}
	return nil
}

// ListBanned returns every address currently carrying a kernel drop rule.
func (e *Executor) ListBanned(ctx context.Context) ([]string, error) {
	return e.backend.ListBanned(ctx)
}

// HealthCheck verifies the backend's owned chains exist and are reachable.
func (e *Executor) HealthCheck(ctx context.Context) error {
	return e.backend.HealthCheck(ctx)
}

// ReconcileExpired unbans every active, non-permanent BanRecord whose
// ban_until has passed. Invoked by the scheduler's expired-ban sweep job.
func (e *Executor) ReconcileExpired(ctx context.Context, at time.Time) (int, error) {
	expired, err := e.store.ExpiredActiveBans(ctx, at)
	if err != nil {
		return 0, fmt.Errorf("firewall: loading expired bans: %w", err)
	}
	count := 0
	for _, rec := range expired {
		if err := e.Unban(ctx, rec.Addr); err != nil {
			log.Printf("[Firewall] failed to unban expired address %s: %v", rec.Addr, err)
			continue
		}
		count++
	}
	return count, nil
}

// BanBatch applies Ban to every address in addrs, logging a success-count
// summary, mirroring the original batch helpers.
func (e *Executor) BanBatch(ctx context.Context, addrs []string, reason string, duration *time.Duration) int {
	ok := 0
	for _, addr := range addrs {
		if err := e.Ban(ctx, addr, reason, duration, nil); err != nil {
			log.Printf("[Firewall] batch ban failed for %s: %v", addr, err)
			continue
		}
		ok++
	}
	log.Printf("[Firewall] batch ban: %d/%d succeeded", ok, len(addrs))
	return ok
}

// UnbanBatch applies Unban to every address in addrs, logging a
// success-count summary.
func (e *Executor) UnbanBatch(ctx context.Context, addrs []string) int {
	ok := 0
	for _, addr := range addrs {
		if err := e.Unban(ctx, addr); err != nil {
			log.Printf("[Firewall] batch unban failed for %s: %v", addr, err)
			continue
		}
		ok++
	}
	log.Printf("[Firewall] batch unban: %d/%d succeeded", ok, len(addrs))
	return ok
}

// OpenPort, ClosePort, BlockPort, and AddRateLimit pass through to the
// backend's port/rate-limit child chain, sharing the same abstraction as
// ban enforcement so ban churn never disturbs admin-managed port policy.
func (e *Executor) OpenPort(ctx context.Context, port int, proto, source string) error {
	return e.backend.OpenPort(ctx, port, proto, source)
}

func (e *Executor) ClosePort(ctx context.Context, port int, proto string) error {
	return e.backend.ClosePort(ctx, port, proto)
}

func (e *Executor) BlockPort(ctx context.Context, port int, proto string) error {
	return e.backend.BlockPort(ctx, port, proto)
}

func (e *Executor) AddRateLimit(ctx context.Context, limit int, period time.Duration, port int) error {
	return e.backend.AddRateLimit(ctx, limit, period, port)
}
