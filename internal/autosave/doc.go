// Package autosave implements the write path of the sync engine.
//
// A Controller owns the in-memory read model of every loaded exercise. Each
// UpdateField call:
//
//  1. applies the value to the in-memory SetRecord,
//  2. re-derives completed/completedAt,
//  3. writes the whole entry to the cache store,
//  4. (re)starts a debounce timer for (exercise, set, field).
//
// When a timer fires, the latest value for that key is appended to the
// pending queue as one operation with a fresh id. Rapid edits to one field
// therefore collapse into a single operation, while edits to different
// fields of the same set debounce independently.
//
// A key is "dirty" from its first edit until a sync confirms the operation
// last enqueued for it. While dirty, its local value is re-applied on top
// of any server record handed to ApplySync, so reconciliation never hides
// an unconfirmed edit.
package autosave
