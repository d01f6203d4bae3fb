package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// ErrNotFound is the sentinel for a missing row, shared by all repositories.
var ErrNotFound = errors.New("not found")

// BaseRepository provides common database functionality.
type BaseRepository struct {
	db  *sql.DB
	log *zap.Logger
}

// NewBaseRepository creates a new base repository instance.
func NewBaseRepository(db *sql.DB, log *zap.Logger) *BaseRepository {
	return &BaseRepository{
		db:  db,
		log: log,
	}
}

// GetDB returns the underlying database connection.
func (r *BaseRepository) GetDB() *sql.DB {
	return r.db
}

// GetLogger returns the logger instance.
func (r *BaseRepository) GetLogger() *zap.Logger {
	return r.log
}

// BeginTx starts a new transaction with context.
func (r *BaseRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		if r.log != nil {
			r.log.Error("Failed to begin transaction", zap.Error(err))
		}
		return nil, err
	}
	return tx, nil
}

// RollbackTx rolls back a transaction, tolerating an already-finished one.
func (r *BaseRepository) RollbackTx(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		if r.log != nil {
			r.log.Warn("Failed to rollback transaction", zap.Error(err))
		}
	}
}

// GetUserRole reads the authoritative role for a user.
func (r *BaseRepository) GetUserRole(ctx context.Context, userID string) (Role, error) {
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	parsed, ok := ParseRole(role)
	if !ok {
		return "", errors.New("unknown role in store: " + role)
	}
	return parsed, nil
}

// ToJSONB marshals a value to JSONB ([]byte) for Postgres.
func ToJSONB(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// FromJSONB unmarshals JSONB ([]byte) from Postgres into out.
func FromJSONB(b []byte, out interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}
