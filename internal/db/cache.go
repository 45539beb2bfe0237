package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ironlog/setsync/internal/schema"
)

// GetExercise returns the cached entry for exerciseID.
// A cache miss is reported as (nil, false, nil).
func (db *DB) GetExercise(exerciseID string) (*schema.ExerciseCacheEntry, bool, error) {
	return db.GetExerciseContext(context.Background(), exerciseID)
}

// GetExerciseContext returns the cached entry with context support.
func (db *DB) GetExerciseContext(ctx context.Context, exerciseID string) (*schema.ExerciseCacheEntry, bool, error) {
	query := `
	SELECT exercise_id, name, sets, last_synced_at
	FROM exercise_cache
	WHERE exercise_id = ?
	`

	entry, err := scanEntry(db.conn.QueryRowContext(ctx, query, exerciseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get exercise %s: %w", exerciseID, err)
	}
	return entry, true, nil
}

// LookupExerciseContext is GetExerciseContext for callers that treat a miss
// as an error. Returns ErrNotFound on a miss.
func (db *DB) LookupExerciseContext(ctx context.Context, exerciseID string) (*schema.ExerciseCacheEntry, error) {
	entry, ok, err := db.GetExerciseContext(ctx, exerciseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("exercise %s: %w", exerciseID, ErrNotFound)
	}
	return entry, nil
}

// PutExercise replaces the cached entry for entry.ExerciseID wholesale.
func (db *DB) PutExercise(entry *schema.ExerciseCacheEntry) error {
	return db.PutExerciseContext(context.Background(), entry)
}

// PutExerciseContext replaces the cached entry with context support.
// There is no partial merge: the stored sets are exactly entry.Sets.
func (db *DB) PutExerciseContext(ctx context.Context, entry *schema.ExerciseCacheEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid cache entry: %w", err)
	}

	sets := entry.Sets
	if sets == nil {
		sets = []schema.SetRecord{}
	}
	setsJSON, err := json.Marshal(sets)
	if err != nil {
		return fmt.Errorf("failed to marshal sets: %w", err)
	}

	query := `
	INSERT INTO exercise_cache (exercise_id, name, sets, last_synced_at, written_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(exercise_id) DO UPDATE SET
		name = excluded.name,
		sets = excluded.sets,
		last_synced_at = excluded.last_synced_at,
		written_at = excluded.written_at
	`

	_, err = db.conn.ExecContext(ctx, query,
		entry.ExerciseID,
		entry.Name,
		string(setsJSON),
		timeToNullString(entry.LastSyncedAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to put exercise %s: %w", entry.ExerciseID, err)
	}

	return nil
}

// ListExercises returns every cached entry ordered by exercise id.
func (db *DB) ListExercises() ([]*schema.ExerciseCacheEntry, error) {
	return db.ListExercisesContext(context.Background())
}

// ListExercisesContext returns every cached entry with context support.
func (db *DB) ListExercisesContext(ctx context.Context) ([]*schema.ExerciseCacheEntry, error) {
	query := `
	SELECT exercise_id, name, sets, last_synced_at
	FROM exercise_cache
	ORDER BY exercise_id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list exercises: %w", err)
	}
	defer rows.Close()

	var entries []*schema.ExerciseCacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exercise: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exercises: %w", err)
	}

	return entries, nil
}

// CountExercises returns the number of cached exercises.
func (db *DB) CountExercises(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM exercise_cache").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count exercises: %w", err)
	}
	return count, nil
}

// EvictAll removes every cached exercise, as on logout. The pending queue is
// left alone; use DiscardOpsContext to drop it explicitly.
func (db *DB) EvictAll(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM exercise_cache")
	if err != nil {
		return 0, fmt.Errorf("failed to evict exercise cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*schema.ExerciseCacheEntry, error) {
	var entry schema.ExerciseCacheEntry
	var setsJSON string
	var lastSynced sql.NullString

	if err := row.Scan(&entry.ExerciseID, &entry.Name, &setsJSON, &lastSynced); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(setsJSON), &entry.Sets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sets for %s: %w", entry.ExerciseID, err)
	}
	entry.LastSyncedAt = nullStringToTime(lastSynced)

	return &entry, nil
}
