package syncer

import (
	"encoding/json"
	"time"

	"github.com/ironlog/setsync/internal/schema"
)

// Batch is one upsert payload plus the ids of every operation folded into it.
type Batch struct {
	Payload schema.SetPayload
	OpIDs   []string
}

// Group folds ops into one Batch per (exercise, set). Within a batch only the
// most recent value per field survives, where most recent means latest in
// ops order. Every op id is kept, including superseded ones, so a confirmed
// batch removes them all. Batches come out in order of first appearance.
func Group(ops []schema.PendingOperation) []Batch {
	index := make(map[schema.Target]int)
	var batches []Batch

	for _, op := range ops {
		target := op.Target()
		i, ok := index[target]
		if !ok {
			i = len(batches)
			index[target] = i
			batches = append(batches, Batch{
				Payload: schema.SetPayload{
					ExerciseID: op.ExerciseID,
					SetID:      op.SetID,
					Fields:     make(map[schema.Field]json.RawMessage),
				},
			})
		}
		batches[i].Payload.Fields[op.Field] = op.Value
		batches[i].OpIDs = append(batches[i].OpIDs, op.ID)
	}

	return batches
}

// Payloads returns the payloads of batches in order.
func Payloads(batches []Batch) []schema.SetPayload {
	out := make([]schema.SetPayload, len(batches))
	for i, b := range batches {
		out[i] = b.Payload
	}
	return out
}

// Overlay applies still-queued ops for entry's exercise on top of it, in
// queue order, and re-derives completion for the sets it touched.
// Ops for other exercises or unknown sets are ignored. Reports whether
// anything was applied.
func Overlay(entry *schema.ExerciseCacheEntry, ops []schema.PendingOperation, now time.Time) bool {
	touched := make(map[string]bool)
	for _, op := range ops {
		if op.ExerciseID != entry.ExerciseID {
			continue
		}
		set := entry.FindSet(op.SetID)
		if set == nil {
			continue
		}
		if err := set.Apply(op.Field, op.Value); err != nil {
			continue
		}
		touched[op.SetID] = true
	}

	for setID := range touched {
		entry.FindSet(setID).RecomputeCompletion(now)
	}
	return len(touched) > 0
}
