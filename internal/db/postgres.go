// Package db persists completed audits for later retrieval. Connection
// failure or an unset DSN degrade gracefully: the service logs a warning and
// keeps serving audits (the audit list endpoint reports empty and the
// single-audit endpoint answers 503) rather than refusing to start.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/txaudit-engine/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("[DB] connected to PostgreSQL for audit persistence")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file.
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}

	log.Println("[DB] audit schema initialized")
	return nil
}

// AuditRecord is one persisted row of the audit log.
type AuditRecord struct {
	ID        string         `json:"id"`
	Intent    string         `json:"intent"`
	Verdict   domain.Verdict `json:"verdict"`
	PCR0      string         `json:"pcr0"`
	PCR1      string         `json:"pcr1"`
	Signature string         `json:"signature"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SaveAudit persists one completed audit. Runs inside an explicit
// transaction so a partial write never leaves a row with a malformed
// verdict_json payload.
func (s *PostgresStore) SaveAudit(ctx context.Context, rec AuditRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	verdictJSON, err := json.Marshal(rec.Verdict)
	if err != nil {
		return fmt.Errorf("marshaling verdict: %w", err)
	}

	insertSQL := `
		INSERT INTO audits (id, intent, risk_level, confidence, risk_score, summary, verdict_json, pcr0, pcr1, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err = tx.Exec(ctx, insertSQL,
		rec.ID, rec.Intent, string(rec.Verdict.RiskLevel), rec.Verdict.Confidence, rec.Verdict.RiskScore,
		rec.Verdict.Summary, verdictJSON, rec.PCR0, rec.PCR1, rec.Signature, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit: %w", err)
	}

	return tx.Commit(ctx)
}

// GetAudit fetches one audit by id. Returns pgx.ErrNoRows wrapped in the
// returned error when absent — callers map that to HTTP 404.
func (s *PostgresStore) GetAudit(ctx context.Context, id string) (AuditRecord, error) {
	const querySQL = `
		SELECT id, intent, verdict_json, pcr0, pcr1, signature, created_at
		FROM audits WHERE id = $1;
	`
	var rec AuditRecord
	var verdictJSON []byte
	err := s.pool.QueryRow(ctx, querySQL, id).Scan(
		&rec.ID, &rec.Intent, &verdictJSON, &rec.PCR0, &rec.PCR1, &rec.Signature, &rec.CreatedAt,
	)
	if err != nil {
		return AuditRecord{}, err
	}
	if err := json.Unmarshal(verdictJSON, &rec.Verdict); err != nil {
		return AuditRecord{}, fmt.Errorf("unmarshaling verdict: %w", err)
	}
	return rec, nil
}

// ListAudits returns the most recent audits, newest first.
func (s *PostgresStore) ListAudits(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	const listSQL = `
		SELECT id, intent, verdict_json, pcr0, pcr1, signature, created_at
		FROM audits ORDER BY created_at DESC LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, listSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var verdictJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Intent, &verdictJSON, &rec.PCR0, &rec.PCR1, &rec.Signature, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(verdictJSON, &rec.Verdict); err != nil {
			return nil, fmt.Errorf("unmarshaling verdict: %w", err)
		}
		records = append(records, rec)
	}
	if records == nil {
		records = []AuditRecord{}
	}
	return records, nil
}

// GetPool exposes the connection pool for components that need direct access.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
