// Package store is the durable record of access logs, fingerprints,
// identity chains, threat events, bans, and score history (C3), backed by
// PostgreSQL via pgx.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/sentryfw/pkg/models"
)

//go:embed schema.sql
var schemaFS embed.FS

// Store wraps a pgx connection pool with the operations C3 requires.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection to Postgres and verifies it with a
// ping, retrying with exponential backoff for up to a minute so the
// engine can start before Postgres has finished accepting connections
// (common when both come up together under a container orchestrator).
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("store: connecting to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: pinging database: %w", err)
		}
		return pool, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute))
	if err != nil {
		return nil, err
	}
	log.Println("[Store] connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates all tables and indexes if they do not already exist.
func (s *Store) InitSchema(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("store: reading embedded schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(schema)); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	log.Println("[Store] schema initialized")
	return nil
}

// InsertAccessLog writes one AccessLog row and returns its ID.
func (s *Store) InsertAccessLog(ctx context.Context, rec models.Record, chainID *int64) (int64, error) {
	return insertAccessLog(ctx, s.pool, rec, chainID)
}

func insertAccessLog(ctx context.Context, q rowQuerier, rec models.Record, chainID *int64) (int64, error) {
	const sql = `
		INSERT INTO access_logs (timestamp, addr, user_agent, method, path, query, status, size, referer, duration, base_hash, behavior_hash, chain_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`
	var id int64
	err := q.QueryRow(ctx, sql, rec.Timestamp, rec.Addr, rec.UserAgent, rec.Method, rec.Path, rec.Query,
		rec.Status, rec.Size, rec.Referer, rec.Duration, rec.BaseHash, rec.BehaviorHash, chainID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: inserting access log: %w", err)
	}
	return id, nil
}

// RecordVisit persists the AccessLog and upserts the Fingerprint for one
// Record in a single transaction (§4.9 step 3), so a crash between the two
// writes never leaves a Fingerprint without its originating AccessLog.
func (s *Store) RecordVisit(ctx context.Context, rec models.Record) (accessLogID int64, fp *models.Fingerprint, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("store: beginning visit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fp, err = s.UpsertFingerprint(ctx, tx, rec)
	if err != nil {
		return 0, nil, err
	}

	var chainID *int64
	if fp != nil {
		chainID = fp.ChainID
	}
	accessLogID, err = insertAccessLog(ctx, tx, rec, chainID)
	if err != nil {
		return 0, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("store: committing visit transaction: %w", err)
	}
	return accessLogID, fp, nil
}

// UpsertFingerprint creates a Fingerprint on first observation of
// base_hash, or bumps last_seen and increments visit_count on subsequent
// ones (§4.3).
func (s *Store) UpsertFingerprint(ctx context.Context, tx pgx.Tx, rec models.Record) (*models.Fingerprint, error) {
	const sql = `
		INSERT INTO fingerprints (base_hash, last_addr, last_user_agent, first_seen, last_seen, visit_count, last_score_update)
		VALUES ($1,$2,$3,$4,$4,1,$4)
		ON CONFLICT (base_hash) DO UPDATE SET
			last_addr = EXCLUDED.last_addr,
			last_user_agent = EXCLUDED.last_user_agent,
			last_seen = EXCLUDED.last_seen,
			visit_count = fingerprints.visit_count + 1
		RETURNING id, base_hash, last_addr, last_user_agent, first_seen, last_seen, visit_count, behavior_count, threat_score, last_score_update, chain_id, is_chain_root, metadata`

	q := queryRower(tx, s.pool)
	fp, err := scanFingerprint(q.QueryRow(ctx, sql, rec.BaseHash, rec.Addr, rec.UserAgent, rec.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("store: upserting fingerprint %s: %w", rec.BaseHash, err)
	}
	return fp, nil
}

// queryRower abstracts over *pgxpool.Pool and pgx.Tx, both of which expose QueryRow.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryRower(tx pgx.Tx, pool *pgxpool.Pool) rowQuerier {
	if tx != nil {
		return tx
	}
	return pool
}

func scanFingerprint(row pgx.Row) (*models.Fingerprint, error) {
	var fp models.Fingerprint
	var chainID *int64
	var metaRaw []byte
	err := row.Scan(&fp.ID, &fp.BaseHash, &fp.LastAddr, &fp.LastUserAgent, &fp.FirstSeen, &fp.LastSeen,
		&fp.VisitCount, &fp.BehaviorCount, &fp.ThreatScore, &fp.LastScoreUpdate, &chainID, &fp.IsChainRoot, &metaRaw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fp.ChainID = chainID
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &fp.Metadata)
	}
	return &fp, nil
}

// GetFingerprintByBaseHash returns the Fingerprint for base_hash, or nil
// if none exists.
func (s *Store) GetFingerprintByBaseHash(ctx context.Context, baseHash string) (*models.Fingerprint, error) {
	const sql = `
		SELECT id, base_hash, last_addr, last_user_agent, first_seen, last_seen, visit_count, behavior_count, threat_score, last_score_update, chain_id, is_chain_root, metadata
		FROM fingerprints WHERE base_hash = $1`
	return scanFingerprint(s.pool.QueryRow(ctx, sql, baseHash))
}

// UpdateFingerprintScore writes a fingerprint's decayed+added score and
// advances last_score_update.
func (s *Store) UpdateFingerprintScore(ctx context.Context, baseHash string, newScore int, at time.Time) error {
	const sql = `UPDATE fingerprints SET threat_score = $1, last_score_update = $2 WHERE base_hash = $3`
	_, err := s.pool.Exec(ctx, sql, newScore, at, baseHash)
	if err != nil {
		return fmt.Errorf("store: updating score for %s: %w", baseHash, err)
	}
	return nil
}

// SetFingerprintChain attaches a fingerprint to an identity chain.
func (s *Store) SetFingerprintChain(ctx context.Context, baseHash string, chainID int64, isRoot bool) error {
	const sql = `UPDATE fingerprints SET chain_id = $1, is_chain_root = $2 WHERE base_hash = $3`
	_, err := s.pool.Exec(ctx, sql, chainID, isRoot, baseHash)
	if err != nil {
		return fmt.Errorf("store: attaching fingerprint %s to chain %d: %w", baseHash, chainID, err)
	}
	return nil
}

// RecentAccessLogs returns up to limit AccessLogs for base_hash, most
// recent first, used by the behavior analyzer's diversity calculation.
func (s *Store) RecentAccessLogs(ctx context.Context, baseHash string, limit int) ([]models.AccessLog, error) {
	const sql = `
		SELECT id, timestamp, addr, user_agent, method, path, query, status, size, referer, duration, base_hash, behavior_hash, chain_id
		FROM access_logs WHERE base_hash = $1 ORDER BY timestamp DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, sql, baseHash, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying recent access logs for %s: %w", baseHash, err)
	}
	defer rows.Close()

	var out []models.AccessLog
	for rows.Next() {
		var l models.AccessLog
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Addr, &l.UserAgent, &l.Method, &l.Path, &l.Query,
			&l.Status, &l.Size, &l.Referer, &l.Duration, &l.BaseHash, &l.BehaviorHash, &l.ChainID); err != nil {
			return nil, fmt.Errorf("store: scanning access log row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecentLogsByAddr returns the most recent AccessLogs for a client address.
func (s *Store) RecentLogsByAddr(ctx context.Context, addr string, limit int) ([]models.AccessLog, error) {
	const sql = `
		SELECT id, timestamp, addr, user_agent, method, path, query, status, size, referer, duration, base_hash, behavior_hash, chain_id
		FROM access_logs WHERE addr = $1 ORDER BY timestamp DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, sql, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying recent logs for %s: %w", addr, err)
	}
	defer rows.Close()

	var out []models.AccessLog
	for rows.Next() {
		var l models.AccessLog
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Addr, &l.UserAgent, &l.Method, &l.Path, &l.Query,
			&l.Status, &l.Size, &l.Referer, &l.Duration, &l.BaseHash, &l.BehaviorHash, &l.ChainID); err != nil {
			return nil, fmt.Errorf("store: scanning access log row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RelinkAccessLogsToChain points every AccessLog for base_hash at chainID.
func (s *Store) RelinkAccessLogsToChain(ctx context.Context, baseHash string, chainID int64) error {
	const sql = `UPDATE access_logs SET chain_id = $1 WHERE base_hash = $2`
	_, err := s.pool.Exec(ctx, sql, chainID, baseHash)
	if err != nil {
		return fmt.Errorf("store: relinking access logs for %s to chain %d: %w", baseHash, chainID, err)
	}
	return nil
}
