// Package store implements durable storage for operators, parsing jobs and
// OMR sheets on top of SQLite. It enforces referential integrity with
// cascading deletes, keeps status columns constrained to their enumerated
// literals and provides transaction scoping via UnitOfWork.
//
// The *sqlx.DB handle is a pool: every operation runs on its own connection
// and transactions pin one for their lifetime, so concurrent execution
// contexts never share a write handle. Pragmas are passed in the DSN to make
// sure each pooled connection gets them.
package store

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound returned on lookups and narrow updates hitting no row
var ErrNotFound = errors.New("not found")

// Store provides access to the database and per-entity repositories.
// Repositories bound here auto-commit each write; use UnitOfWork to group
// writes into one transaction.
type Store struct {
	db *sqlx.DB

	Operators *OperatorRepo
	Jobs      *JobRepo
	Sheets    *SheetRepo
}

// New opens the SQLite database at dbPath with WAL journaling, foreign key
// enforcement and a busy timeout applied to every pooled connection.
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	s.Operators = &OperatorRepo{ext: db}
	s.Jobs = &JobRepo{ext: db}
	s.Sheets = &SheetRepo{ext: db}
	return s, nil
}

// Initialize creates tables and indexes, safe to call multiple times
func (s *Store) Initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS operators (
			id TEXT PRIMARY KEY,
			token TEXT UNIQUE NOT NULL,
			webhook_url TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS parsing_jobs (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
			total_sheets INTEGER NOT NULL DEFAULT 0,
			processed_sheets INTEGER NOT NULL DEFAULT 0,
			callback_status TEXT NOT NULL DEFAULT 'NOT_SENT' CHECK(callback_status IN ('NOT_SENT', 'SENT', 'FAILED')),
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			FOREIGN KEY (operator_id) REFERENCES operators(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS omr_sheets (
			id TEXT PRIMARY KEY,
			parsing_job_id TEXT NOT NULL,
			image_url TEXT NOT NULL,
			result_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'PARSED', 'FAILED')),
			error_message TEXT,
			created_at TIMESTAMP NOT NULL,
			parsed_at TIMESTAMP,
			FOREIGN KEY (parsing_job_id) REFERENCES parsing_jobs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operators_token ON operators(token)`,
		`CREATE INDEX IF NOT EXISTS idx_parsing_jobs_operator_id ON parsing_jobs(operator_id)`,
		`CREATE INDEX IF NOT EXISTS idx_parsing_jobs_status ON parsing_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_omr_sheets_parsing_job_id ON omr_sheets(parsing_job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_omr_sheets_status ON omr_sheets(status)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Close closes the database pool
func (s *Store) Close() error {
	return s.db.Close()
}
