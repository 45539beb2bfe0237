// Package migrate moves local sync state in and out of JSONL files.
//
// An export holds every cached exercise followed by every pending operation
// in queue order, one record per line. Importing it into another database
// restores both, so unsynced edits survive a device move or a reinstall.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ironlog/setsync/internal/db"
	"github.com/ironlog/setsync/internal/schema"
)

// Kind tags one JSONL record.
type Kind string

const (
	KindExercise  Kind = "exercise"
	KindOperation Kind = "operation"
)

// Record is one line of an export.
type Record struct {
	Kind      Kind                       `json:"kind"`
	Exercise  *schema.ExerciseCacheEntry `json:"exercise,omitempty"`
	Operation *schema.PendingOperation   `json:"operation,omitempty"`
}

// Source is what Export reads.
type Source interface {
	ListExercisesContext(ctx context.Context) ([]*schema.ExerciseCacheEntry, error)
	ListOpsContext(ctx context.Context, filter db.OpsFilter) ([]schema.PendingOperation, error)
}

// Sink is what Import writes.
type Sink interface {
	PutExerciseContext(ctx context.Context, entry *schema.ExerciseCacheEntry) error
	EnqueueContext(ctx context.Context, op schema.PendingOperation) error
	GetOpContext(ctx context.Context, id string) (schema.PendingOperation, error)
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Exercises  int
	Operations int
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun    bool // Parse and validate without writing
	SkipCache bool // Restore only pending operations
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Exercises  int
	Operations int
	// SkippedOps counts operations already present in the queue
	SkippedOps int
	Errors     []string
}

// Export writes every cache entry and pending operation in src to w.
func Export(ctx context.Context, src Source, w io.Writer) (*ExportResult, error) {
	entries, err := src.ListExercisesContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list exercises: %w", err)
	}
	ops, err := src.ListOpsContext(ctx, db.OpsFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	result := &ExportResult{}

	for _, entry := range entries {
		if err := enc.Encode(Record{Kind: KindExercise, Exercise: entry}); err != nil {
			return nil, fmt.Errorf("failed to encode exercise %s: %w", entry.ExerciseID, err)
		}
		result.Exercises++
	}
	for i := range ops {
		if err := enc.Encode(Record{Kind: KindOperation, Operation: &ops[i]}); err != nil {
			return nil, fmt.Errorf("failed to encode operation %s: %w", ops[i].ID, err)
		}
		result.Operations++
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write export: %w", err)
	}
	return result, nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, src Source, path string) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, src, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// ReadJSONL parses every record in r. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Record, error) {
	var records []Record
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		switch rec.Kind {
		case KindExercise:
			if rec.Exercise == nil {
				return nil, fmt.Errorf("record %d: exercise record without exercise", lineNum)
			}
		case KindOperation:
			if rec.Operation == nil {
				return nil, fmt.Errorf("record %d: operation record without operation", lineNum)
			}
		default:
			return nil, fmt.Errorf("record %d: unknown kind %q", lineNum, rec.Kind)
		}
		records = append(records, rec)
	}

	return records, nil
}

// Import restores records from r into dst. Operations keep their ids and
// timestamps; an operation whose id is already queued is skipped, so the
// same file may be imported twice. Invalid records are reported in the
// result and do not stop the import.
func Import(ctx context.Context, dst Sink, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	records, err := ReadJSONL(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &ImportResult{}
	for _, rec := range records {
		switch rec.Kind {
		case KindExercise:
			if opts.SkipCache {
				continue
			}
			if err := rec.Exercise.Validate(); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid exercise %s: %v", rec.Exercise.ExerciseID, err))
				continue
			}
			if !opts.DryRun {
				if err := dst.PutExerciseContext(ctx, rec.Exercise); err != nil {
					result.Errors = append(result.Errors,
						fmt.Sprintf("failed to write exercise %s: %v", rec.Exercise.ExerciseID, err))
					continue
				}
			}
			result.Exercises++

		case KindOperation:
			op := *rec.Operation
			if err := op.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("invalid operation %s: %v", op.ID, err))
				continue
			}

			_, err := dst.GetOpContext(ctx, op.ID)
			switch {
			case err == nil:
				result.SkippedOps++
				continue
			case !errors.Is(err, db.ErrNotFound):
				return result, fmt.Errorf("failed to check operation %s: %w", op.ID, err)
			}

			if !opts.DryRun {
				if err := dst.EnqueueContext(ctx, op); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("failed to enqueue operation %s: %v", op.ID, err))
					continue
				}
			}
			result.Operations++
		}
	}

	return result, nil
}

// ImportFile is Import reading from path.
func ImportFile(ctx context.Context, dst Sink, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Import(ctx, dst, f, opts)
}
