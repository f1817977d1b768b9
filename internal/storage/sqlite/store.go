// Package sqlite persists per-turn audit records.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/heuristiclab/uxaudit/internal/domain"
)

// Store is a SQLite-backed audit log of agent turns.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and prepares the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS turn_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			module TEXT NOT NULL,
			phase TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turn_records_session ON turn_records(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_turn_records_module ON turn_records(module)`,
		`CREATE INDEX IF NOT EXISTS idx_turn_records_status ON turn_records(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// RecordTurn inserts one audit row.
func (s *Store) RecordTurn(ctx context.Context, rec *domain.TurnRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_records (id, session_id, role, module, phase, model, status, prompt_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Role, rec.Module, rec.Phase, rec.Model, rec.Status, rec.PromptTokens, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn record: %w", err)
	}
	return nil
}

// ListTurns returns all records for a session, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*domain.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, module, phase, model, status, prompt_tokens, created_at
		 FROM turn_records WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn records: %w", err)
	}
	defer rows.Close()

	var records []*domain.TurnRecord
	for rows.Next() {
		rec := &domain.TurnRecord{}
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Role, &rec.Module, &rec.Phase, &rec.Model, &rec.Status, &rec.PromptTokens, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read turn records: %w", err)
	}
	return records, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
