package store

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
)

// UnitOfWork bundles the three repositories behind one transaction boundary
// so multi-entity writes commit or roll back together. Scopes are flat,
// nesting InTx calls is not supported.
type UnitOfWork struct {
	db *sqlx.DB
}

// Tx exposes repositories bound to a single transaction. All calls made
// through these repositories become visible together on commit.
type Tx struct {
	Operators *OperatorRepo
	Jobs      *JobRepo
	Sheets    *SheetRepo
}

// NewUnitOfWork makes a unit of work over the store's database
func NewUnitOfWork(s *Store) *UnitOfWork {
	return &UnitOfWork{db: s.db}
}

// InTx runs fn inside one transaction, committing on nil and rolling back on
// error. The error from fn is propagated as-is so callers can match on it.
func (u *UnitOfWork) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbTx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{
		Operators: &OperatorRepo{ext: dbTx},
		Jobs:      &JobRepo{ext: dbTx},
		Sheets:    &SheetRepo{ext: dbTx},
	}

	if err := fn(tx); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			log.Printf("[WARN] rollback failed: %v", rbErr)
		}
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
