package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

// RetentionResult summarizes one retention sweep for logging/statistics.
type RetentionResult struct {
	FingerprintsDeleted int64
	AccessLogsDeleted   int64
	ThreatEventsDeleted int64
	ChainsDeleted       int64
}

// RunRetentionSweep deletes fingerprints (and their dependent access logs
// and threat events) whose last_seen is older than the retention horizon,
// then reaps any identity chain left with zero members. Runs as a single
// transaction so a crash mid-sweep cannot leave dangling references.
func (s *Store) RunRetentionSweep(ctx context.Context, horizon time.Duration, at time.Time) (RetentionResult, error) {
	var res RetentionResult
	cutoff := at.Add(-horizon)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("store: beginning retention sweep: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT base_hash FROM fingerprints WHERE last_seen < $1`, cutoff)
	if err != nil {
		return res, fmt.Errorf("store: selecting expired fingerprints: %w", err)
	}
	var expired []string
	for rows.Next() {
		var bh string
		if err := rows.Scan(&bh); err != nil {
			rows.Close()
			return res, fmt.Errorf("store: scanning expired fingerprint row: %w", err)
		}
		expired = append(expired, bh)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("store: iterating expired fingerprints: %w", err)
	}

	if len(expired) == 0 {
		return res, tx.Commit(ctx)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM threat_events WHERE base_hash = ANY($1)`, expired)
	if err != nil {
		return res, fmt.Errorf("store: deleting expired threat events: %w", err)
	}
	res.ThreatEventsDeleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM access_logs WHERE base_hash = ANY($1)`, expired)
	if err != nil {
		return res, fmt.Errorf("store: deleting expired access logs: %w", err)
	}
	res.AccessLogsDeleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM fingerprints WHERE base_hash = ANY($1)`, expired)
	if err != nil {
		return res, fmt.Errorf("store: deleting expired fingerprints: %w", err)
	}
	res.FingerprintsDeleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
		DELETE FROM identity_chains c
		WHERE NOT EXISTS (SELECT 1 FROM fingerprints f WHERE f.chain_id = c.id)`)
	if err != nil {
		return res, fmt.Errorf("store: reaping orphaned identity chains: %w", err)
	}
	res.ChainsDeleted = tag.RowsAffected()

	return res, tx.Commit(ctx)
}

// InsertStatistics writes one aggregation-period row for the hourly
// statistics job.
func (s *Store) InsertStatistics(ctx context.Context, stat models.Statistics) error {
	histRaw, err := json.Marshal(stat.StatusHistogram)
	if err != nil {
		return fmt.Errorf("store: marshaling status histogram: %w", err)
	}
	const sql = `
		INSERT INTO statistics (period_start, period_end, request_count, distinct_addrs, status_histogram)
		VALUES ($1,$2,$3,$4,$5)`
	_, err = s.pool.Exec(ctx, sql, stat.PeriodStart, stat.PeriodEnd, stat.RequestCount, stat.DistinctAddrs, histRaw)
	if err != nil {
		return fmt.Errorf("store: inserting statistics: %w", err)
	}
	return nil
}

// AggregateStatistics computes a Statistics row for the half-open window
// [from, to) directly from access_logs, for the scheduler's hourly job.
func (s *Store) AggregateStatistics(ctx context.Context, from, to time.Time) (models.Statistics, error) {
	stat := models.Statistics{PeriodStart: from, PeriodEnd: to, StatusHistogram: map[int]int64{}}

	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT addr) FROM access_logs WHERE timestamp >= $1 AND timestamp < $2`, from, to)
	if err := row.Scan(&stat.RequestCount, &stat.DistinctAddrs); err != nil {
		return stat, fmt.Errorf("store: aggregating request/address counts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM access_logs WHERE timestamp >= $1 AND timestamp < $2 GROUP BY status`, from, to)
	if err != nil {
		return stat, fmt.Errorf("store: aggregating status histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stat, fmt.Errorf("store: scanning status histogram row: %w", err)
		}
		stat.StatusHistogram[status] = count
	}
	return stat, rows.Err()
}

// RecentStatistics returns the most recent n statistics periods, newest first.
func (s *Store) RecentStatistics(ctx context.Context, n int) ([]models.Statistics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, period_start, period_end, request_count, distinct_addrs, status_histogram
		FROM statistics ORDER BY period_start DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("store: querying recent statistics: %w", err)
	}
	defer rows.Close()

	var out []models.Statistics
	for rows.Next() {
		var stat models.Statistics
		var histRaw []byte
		if err := rows.Scan(&stat.ID, &stat.PeriodStart, &stat.PeriodEnd, &stat.RequestCount, &stat.DistinctAddrs, &histRaw); err != nil {
			return nil, fmt.Errorf("store: scanning statistics row: %w", err)
		}
		if len(histRaw) > 0 {
			_ = json.Unmarshal(histRaw, &stat.StatusHistogram)
		}
		out = append(out, stat)
	}
	return out, rows.Err()
}

// listType values stored in list_entries.list_type.
const (
	listTypeAllow = "allow"
	listTypeDeny  = "deny"
)

// PersistAllowEntry upserts an allow-list entry for warm reload on restart.
func (s *Store) PersistAllowEntry(ctx context.Context, entry models.ListEntry) error {
	return s.persistListEntry(ctx, listTypeAllow, entry)
}

// PersistDenyEntry upserts a deny-list entry for warm reload on restart.
func (s *Store) PersistDenyEntry(ctx context.Context, entry models.ListEntry) error {
	return s.persistListEntry(ctx, listTypeDeny, entry)
}

func (s *Store) persistListEntry(ctx context.Context, listType string, entry models.ListEntry) error {
	const sql = `
		INSERT INTO list_entries (list_type, entry, description, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (list_type, entry) DO UPDATE SET description = EXCLUDED.description, reason = EXCLUDED.reason`
	_, err := s.pool.Exec(ctx, sql, listType, entry.CIDROrAddr, entry.Description, entry.Reason, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: persisting %s entry %s: %w", listType, entry.CIDROrAddr, err)
	}
	return nil
}

// RemoveAllowEntry deletes a persisted allow-list entry.
func (s *Store) RemoveAllowEntry(ctx context.Context, value string) error {
	return s.removeListEntry(ctx, listTypeAllow, value)
}

// RemoveDenyEntry deletes a persisted deny-list entry.
func (s *Store) RemoveDenyEntry(ctx context.Context, value string) error {
	return s.removeListEntry(ctx, listTypeDeny, value)
}

func (s *Store) removeListEntry(ctx context.Context, listType, value string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM list_entries WHERE list_type = $1 AND entry = $2`, listType, value)
	if err != nil {
		return fmt.Errorf("store: removing %s entry %s: %w", listType, value, err)
	}
	return nil
}

// LoadAllowEntries returns every persisted allow-list entry, for warm start.
func (s *Store) LoadAllowEntries(ctx context.Context) ([]models.ListEntry, error) {
	return s.loadListEntries(ctx, listTypeAllow)
}

// LoadDenyEntries returns every persisted deny-list entry, for warm start.
func (s *Store) LoadDenyEntries(ctx context.Context) ([]models.ListEntry, error) {
	return s.loadListEntries(ctx, listTypeDeny)
}

func (s *Store) loadListEntries(ctx context.Context, listType string) ([]models.ListEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entry, description, reason, created_at FROM list_entries WHERE list_type = $1 ORDER BY id`, listType)
	if err != nil {
		return nil, fmt.Errorf("store: loading %s entries: %w", listType, err)
	}
	defer rows.Close()

	var out []models.ListEntry
	for rows.Next() {
		var e models.ListEntry
		if err := rows.Scan(&e.ID, &e.CIDROrAddr, &e.Description, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning %s entry row: %w", listType, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
