package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ironlog/setsync/internal/schema"
)

// deleteChunk bounds the number of ids bound into one IN (...) clause.
const deleteChunk = 500

// Enqueue appends op to the pending queue.
func (db *DB) Enqueue(op schema.PendingOperation) error {
	return db.EnqueueContext(context.Background(), op)
}

// EnqueueContext appends op with context support. The row is committed
// before this returns. Re-using an id is an error.
func (db *DB) EnqueueContext(ctx context.Context, op schema.PendingOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	query := `
	INSERT INTO pending_ops (id, exercise_id, set_id, field, value, timestamp)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.conn.ExecContext(ctx, query,
		op.ID,
		op.ExerciseID,
		op.SetID,
		string(op.Field),
		string(op.Value),
		formatTime(op.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation %s: %w", op.ID, err)
	}

	return nil
}

// OpsFilter narrows ListOpsContext. The zero value lists everything.
type OpsFilter struct {
	// ExerciseID restricts to one exercise (empty = all)
	ExerciseID string
	// Before keeps operations created strictly before this time (zero = no bound)
	Before time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListOps returns a snapshot of the queue in insertion order.
func (db *DB) ListOps() ([]schema.PendingOperation, error) {
	return db.ListOpsContext(context.Background(), OpsFilter{})
}

// ListOpsContext returns a filtered snapshot of the queue in insertion order.
func (db *DB) ListOpsContext(ctx context.Context, filter OpsFilter) ([]schema.PendingOperation, error) {
	query := `
	SELECT id, exercise_id, set_id, field, value, timestamp
	FROM pending_ops
	WHERE 1=1
	`
	var args []any

	if filter.ExerciseID != "" {
		query += " AND exercise_id = ?"
		args = append(args, filter.ExerciseID)
	}
	if !filter.Before.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, formatTime(filter.Before))
	}

	query += " ORDER BY seq ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	ops := []schema.PendingOperation{}
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}

	return ops, nil
}

// GetOpContext returns one queued operation, or ErrNotFound.
func (db *DB) GetOpContext(ctx context.Context, id string) (schema.PendingOperation, error) {
	query := `
	SELECT id, exercise_id, set_id, field, value, timestamp
	FROM pending_ops
	WHERE id = ?
	`

	op, err := scanOp(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.PendingOperation{}, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return schema.PendingOperation{}, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	return op, nil
}

// DeleteOps removes the given operation ids.
func (db *DB) DeleteOps(ids []string) (int64, error) {
	return db.DeleteOpsContext(context.Background(), ids)
}

// DeleteOpsContext removes the given ids in a single transaction: either
// all of them are gone afterwards or none are. Unknown ids are ignored.
// Returns the number of rows removed.
func (db *DB) DeleteOpsContext(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var deleted int64
	for start := 0; start < len(ids); start += deleteChunk {
		end := start + deleteChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		query := fmt.Sprintf("DELETE FROM pending_ops WHERE id IN (%s)", placeholders(len(chunk)))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to delete pending operations: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return deleted, nil
}

// CountOps returns the number of queued operations.
func (db *DB) CountOps(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_ops").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// HasPending reports whether any operation is still unconfirmed.
func (db *DB) HasPending(ctx context.Context) (bool, error) {
	var exists int
	err := db.conn.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pending_ops)").Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending operations: %w", err)
	}
	return exists == 1, nil
}

// DiscardOpsContext drops the whole queue. Only for explicit user requests;
// the sync path removes operations exclusively through DeleteOpsContext.
func (db *DB) DiscardOpsContext(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM pending_ops")
	if err != nil {
		return 0, fmt.Errorf("failed to discard pending operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanOp(row rowScanner) (schema.PendingOperation, error) {
	var op schema.PendingOperation
	var field, value, timestamp string

	if err := row.Scan(&op.ID, &op.ExerciseID, &op.SetID, &field, &value, &timestamp); err != nil {
		return op, err
	}

	op.Field = schema.Field(field)
	op.Value = []byte(value)
	op.Timestamp = parseTime(timestamp)
	return op, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
