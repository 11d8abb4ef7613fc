package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// OperatorRepo provides typed operations over the operators table. Every
// write commits on its own unless the repo is bound to a UnitOfWork
// transaction.
type OperatorRepo struct {
	ext sqlx.ExtContext
}

// Create inserts a new operator
func (r *OperatorRepo) Create(ctx context.Context, op Operator) error {
	_, err := r.ext.ExecContext(ctx,
		`INSERT INTO operators (id, token, webhook_url, created_at) VALUES (?, ?, ?, ?)`,
		op.ID, op.Token, op.WebhookURL, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create operator %s: %w", op.ID, err)
	}
	return nil
}

// Get returns operator by id, ErrNotFound if missing
func (r *OperatorRepo) Get(ctx context.Context, id string) (Operator, error) {
	var op Operator
	err := sqlx.GetContext(ctx, r.ext, &op, `SELECT * FROM operators WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, ErrNotFound
	}
	if err != nil {
		return Operator{}, fmt.Errorf("failed to get operator %s: %w", id, err)
	}
	return op, nil
}

// FindByToken returns the operator owning the given auth token
func (r *OperatorRepo) FindByToken(ctx context.Context, token string) (Operator, error) {
	var op Operator
	err := sqlx.GetContext(ctx, r.ext, &op, `SELECT * FROM operators WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return Operator{}, ErrNotFound
	}
	if err != nil {
		return Operator{}, fmt.Errorf("failed to find operator by token: %w", err)
	}
	return op, nil
}

// List returns all operators, newest first
func (r *OperatorRepo) List(ctx context.Context) ([]Operator, error) {
	ops := []Operator{}
	err := sqlx.SelectContext(ctx, r.ext, &ops, `SELECT * FROM operators ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operators: %w", err)
	}
	return ops, nil
}

// Update rewrites mutable operator fields (webhook URL, token)
func (r *OperatorRepo) Update(ctx context.Context, op Operator) error {
	res, err := r.ext.ExecContext(ctx,
		`UPDATE operators SET token = ?, webhook_url = ? WHERE id = ?`,
		op.Token, op.WebhookURL, op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operator %s: %w", op.ID, err)
	}
	return checkAffected(res, op.ID)
}

// Delete removes an operator, cascading to its jobs and their sheets
func (r *OperatorRepo) Delete(ctx context.Context, id string) error {
	res, err := r.ext.ExecContext(ctx, `DELETE FROM operators WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operator %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// checkAffected maps zero affected rows to ErrNotFound
func checkAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows for %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
