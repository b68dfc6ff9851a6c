package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/sentryfw/pkg/models"
)

func scanChain(row pgx.Row) (*models.IdentityChain, error) {
	var c models.IdentityChain
	var historyRaw []byte
	err := row.Scan(&c.ID, &c.RootHash, &c.CreatedAt, &c.UpdatedAt, &c.MemberCount, &c.VisitCount, &c.ThreatScore, &historyRaw, &c.Description)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(historyRaw) > 0 {
		_ = json.Unmarshal(historyRaw, &c.History)
	}
	return &c, nil
}

const chainColumns = `id, root_hash, created_at, updated_at, member_count, visit_count, threat_score, history, description`

// GetIdentityChain loads a chain by id, or nil if it does not exist.
func (s *Store) GetIdentityChain(ctx context.Context, id int64) (*models.IdentityChain, error) {
	sql := `SELECT ` + chainColumns + ` FROM identity_chains WHERE id = $1`
	return scanChain(s.pool.QueryRow(ctx, sql, id))
}

// CreateIdentityChain inserts a new chain and returns its ID.
func (s *Store) CreateIdentityChain(ctx context.Context, c *models.IdentityChain) (int64, error) {
	historyRaw, err := json.Marshal(c.History)
	if err != nil {
		return 0, fmt.Errorf("store: marshaling evolution history: %w", err)
	}
	const sql = `
		INSERT INTO identity_chains (root_hash, created_at, updated_at, member_count, visit_count, threat_score, history, description)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`
	var id int64
	err = s.pool.QueryRow(ctx, sql, c.RootHash, c.CreatedAt, c.UpdatedAt, c.MemberCount, c.VisitCount, c.ThreatScore, historyRaw, c.Description).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: creating identity chain: %w", err)
	}
	return id, nil
}

// UpdateIdentityChain persists a chain's mutable fields (root_hash,
// member_count, visit_count, threat_score, history, updated_at).
func (s *Store) UpdateIdentityChain(ctx context.Context, c *models.IdentityChain) error {
	historyRaw, err := json.Marshal(c.History)
	if err != nil {
		return fmt.Errorf("store: marshaling evolution history: %w", err)
	}
	const sql = `
		UPDATE identity_chains SET root_hash=$1, updated_at=$2, member_count=$3, visit_count=$4, threat_score=$5, history=$6, description=$7
		WHERE id = $8`
	_, err = s.pool.Exec(ctx, sql, c.RootHash, c.UpdatedAt, c.MemberCount, c.VisitCount, c.ThreatScore, historyRaw, c.Description, c.ID)
	if err != nil {
		return fmt.Errorf("store: updating identity chain %d: %w", c.ID, err)
	}
	return nil
}

// RelinkChainMembers re-parents every Fingerprint/AccessLog/ThreatEvent
// pointing at fromChainID onto toChainID, for chain merges (§4.4). Runs in
// one transaction.
func (s *Store) RelinkChainMembers(ctx context.Context, fromChainID, toChainID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: beginning relink transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stmts := []string{
		`UPDATE fingerprints SET chain_id = $1 WHERE chain_id = $2`,
		`UPDATE access_logs SET chain_id = $1 WHERE chain_id = $2`,
		`UPDATE threat_events SET chain_id = $1 WHERE chain_id = $2`,
	}
	for _, sql := range stmts {
		if _, err := tx.Exec(ctx, sql, toChainID, fromChainID); err != nil {
			return fmt.Errorf("store: relinking chain members: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// DeleteIdentityChain removes a chain row (called after its members have
// been relinked away, per a merge, or after its last member is reaped).
func (s *Store) DeleteIdentityChain(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM identity_chains WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: deleting identity chain %d: %w", id, err)
	}
	return nil
}

// InsertThreatEvent writes a ThreatEvent row and returns its ID.
func (s *Store) InsertThreatEvent(ctx context.Context, ev models.ThreatEvent) (int64, error) {
	detailsRaw, err := json.Marshal(ev.Details)
	if err != nil {
		return 0, fmt.Errorf("store: marshaling threat event details: %w", err)
	}
	const sql = `
		INSERT INTO threat_events (timestamp, addr, base_hash, chain_id, threat_type, severity, description, details, handled, action_taken)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`
	var id int64
	err = s.pool.QueryRow(ctx, sql, ev.Timestamp, ev.Addr, ev.BaseHash, ev.ChainID, ev.ThreatType, ev.Severity, ev.Description, detailsRaw, ev.Handled, ev.ActionTaken).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: inserting threat event: %w", err)
	}
	return id, nil
}

// UpdateThreatEventAction records the outcome of enforcement tied to a
// ThreatEvent (e.g. ban succeeded, ban failed).
func (s *Store) UpdateThreatEventAction(ctx context.Context, id int64, action models.ActionTaken, handled bool) error {
	const sql = `UPDATE threat_events SET action_taken = $1, handled = $2 WHERE id = $3`
	_, err := s.pool.Exec(ctx, sql, action, handled, id)
	if err != nil {
		return fmt.Errorf("store: updating threat event %d: %w", id, err)
	}
	return nil
}

// RecentThreatEvents returns the most recent threat events, optionally
// filtered to one address.
func (s *Store) RecentThreatEvents(ctx context.Context, addr string, limit int) ([]models.ThreatEvent, error) {
	var rows pgx.Rows
	var err error
	if addr != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, timestamp, addr, base_hash, chain_id, threat_type, severity, description, details, handled, action_taken
			FROM threat_events WHERE addr = $1 ORDER BY timestamp DESC LIMIT $2`, addr, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, timestamp, addr, base_hash, chain_id, threat_type, severity, description, details, handled, action_taken
			FROM threat_events ORDER BY timestamp DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: querying recent threat events: %w", err)
	}
	defer rows.Close()

	var out []models.ThreatEvent
	for rows.Next() {
		var ev models.ThreatEvent
		var detailsRaw []byte
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Addr, &ev.BaseHash, &ev.ChainID, &ev.ThreatType, &ev.Severity, &ev.Description, &detailsRaw, &ev.Handled, &ev.ActionTaken); err != nil {
			return nil, fmt.Errorf("store: scanning threat event row: %w", err)
		}
		if len(detailsRaw) > 0 {
			_ = json.Unmarshal(detailsRaw, &ev.Details)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetBanRecord returns the ban record for addr (active or historical), or
// nil if none exists. At most one row per address ever exists.
func (s *Store) GetBanRecord(ctx context.Context, addr string) (*models.BanRecord, error) {
	const sql = `
		SELECT id, addr, banned_at, ban_until, reason, threat_event_id, is_permanent, is_active, unbanned_at, ban_count
		FROM ban_records WHERE addr = $1`
	row := s.pool.QueryRow(ctx, sql, addr)
	var r models.BanRecord
	err := row.Scan(&r.ID, &r.Addr, &r.BannedAt, &r.BanUntil, &r.Reason, &r.ThreatEventID, &r.IsPermanent, &r.IsActive, &r.UnbannedAt, &r.BanCount)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading ban record for %s: %w", addr, err)
	}
	return &r, nil
}

// UpsertBanRecord inserts or updates the single ban row for an address,
// preserving the at-most-one-active invariant.
func (s *Store) UpsertBanRecord(ctx context.Context, r *models.BanRecord) error {
	const sql = `
		INSERT INTO ban_records (addr, banned_at, ban_until, reason, threat_event_id, is_permanent, is_active, unbanned_at, ban_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (addr) DO UPDATE SET
			banned_at = EXCLUDED.banned_at,
			ban_until = EXCLUDED.ban_until,
			reason = EXCLUDED.reason,
			threat_event_id = EXCLUDED.threat_event_id,
			is_permanent = EXCLUDED.is_permanent,
			is_active = EXCLUDED.is_active,
			unbanned_at = EXCLUDED.unbanned_at,
			ban_count = EXCLUDED.ban_count
		RETURNING id`
	return s.pool.QueryRow(ctx, sql, r.Addr, r.BannedAt, r.BanUntil, r.Reason, r.ThreatEventID, r.IsPermanent, r.IsActive, r.UnbannedAt, r.BanCount).Scan(&r.ID)
}

// DeactivateBanRecord flips a ban record inactive on unban.
func (s *Store) DeactivateBanRecord(ctx context.Context, addr string, at time.Time) error {
	const sql = `UPDATE ban_records SET is_active = FALSE, unbanned_at = $1 WHERE addr = $2`
	_, err := s.pool.Exec(ctx, sql, at, addr)
	if err != nil {
		return fmt.Errorf("store: deactivating ban record for %s: %w", addr, err)
	}
	return nil
}

// ExpiredActiveBans returns active, non-permanent ban records whose
// ban_until has passed as of `at`.
func (s *Store) ExpiredActiveBans(ctx context.Context, at time.Time) ([]models.BanRecord, error) {
	const sql = `
		SELECT id, addr, banned_at, ban_until, reason, threat_event_id, is_permanent, is_active, unbanned_at, ban_count
		FROM ban_records WHERE is_active = TRUE AND is_permanent = FALSE AND ban_until IS NOT NULL AND ban_until < $1`
	rows, err := s.pool.Query(ctx, sql, at)
	if err != nil {
		return nil, fmt.Errorf("store: querying expired bans: %w", err)
	}
	defer rows.Close()

	var out []models.BanRecord
	for rows.Next() {
		var r models.BanRecord
		if err := rows.Scan(&r.ID, &r.Addr, &r.BannedAt, &r.BanUntil, &r.Reason, &r.ThreatEventID, &r.IsPermanent, &r.IsActive, &r.UnbannedAt, &r.BanCount); err != nil {
			return nil, fmt.Errorf("store: scanning ban record row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListActiveBans returns every currently active ban record.
func (s *Store) ListActiveBans(ctx context.Context) ([]models.BanRecord, error) {
	const sql = `
		SELECT id, addr, banned_at, ban_until, reason, threat_event_id, is_permanent, is_active, unbanned_at, ban_count
		FROM ban_records WHERE is_active = TRUE`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("store: querying active bans: %w", err)
	}
	defer rows.Close()

	var out []models.BanRecord
	for rows.Next() {
		var r models.BanRecord
		if err := rows.Scan(&r.ID, &r.Addr, &r.BannedAt, &r.BanUntil, &r.Reason, &r.ThreatEventID, &r.IsPermanent, &r.IsActive, &r.UnbannedAt, &r.BanCount); err != nil {
			return nil, fmt.Errorf("store: scanning ban record row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertScoreHistory appends a ScoreHistory ledger row.
func (s *Store) InsertScoreHistory(ctx context.Context, h models.ScoreHistory) error {
	const sql = `
		INSERT INTO score_history (timestamp, fingerprint_id, base_hash, delta, total_after, reason, threat_event_id, actor)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, sql, h.Timestamp, h.FingerprintID, h.BaseHash, h.Delta, h.TotalAfter, h.Reason, h.ThreatEventID, h.Actor)
	if err != nil {
		return fmt.Errorf("store: inserting score history for %s: %w", h.BaseHash, err)
	}
	return nil
}

// ScoreHistory returns the append-only ledger for a fingerprint, most
// recent first.
func (s *Store) ScoreHistory(ctx context.Context, baseHash string, limit int) ([]models.ScoreHistory, error) {
	const sql = `
		SELECT id, timestamp, fingerprint_id, base_hash, delta, total_after, reason, threat_event_id, actor
		FROM score_history WHERE base_hash = $1 ORDER BY timestamp DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, sql, baseHash, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying score history for %s: %w", baseHash, err)
	}
	defer rows.Close()

	var out []models.ScoreHistory
	for rows.Next() {
		var h models.ScoreHistory
		if err := rows.Scan(&h.ID, &h.Timestamp, &h.FingerprintID, &h.BaseHash, &h.Delta, &h.TotalAfter, &h.Reason, &h.ThreatEventID, &h.Actor); err != nil {
			return nil, fmt.Errorf("store: scanning score history row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// TopFingerprintsByScore returns the n highest-scoring fingerprints.
func (s *Store) TopFingerprintsByScore(ctx context.Context, n int) ([]models.Fingerprint, error) {
	const sql = `
		SELECT id, base_hash, last_addr, last_user_agent, first_seen, last_seen, visit_count, behavior_count, threat_score, last_score_update, chain_id, is_chain_root, metadata
		FROM fingerprints ORDER BY threat_score DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, sql, n)
	if err != nil {
		return nil, fmt.Errorf("store: querying top fingerprints: %w", err)
	}
	defer rows.Close()

	var out []models.Fingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning fingerprint row: %w", err)
		}
		if fp != nil {
			out = append(out, *fp)
		}
	}
	return out, rows.Err()
}
