// Package schema defines the records the offline sync engine stores and sends.
//
// # Overview
//
// Three record kinds flow through the engine:
//
//   - Exercise / ExerciseCacheEntry: the full state of one exercise's sets, as
//     returned by the system of record and as kept in the local cache.
//   - SetRecord: one training set. Its mutable fields are edited by the user,
//     the rest are mirrored from the server for display.
//   - PendingOperation: one unconfirmed single-field edit awaiting upload.
//
// # Field Values
//
// Operation values are stored as canonical JSON (json.RawMessage) so they
// survive a round trip through the database byte-for-byte. EncodeValue
// validates a Go value against the field it targets and returns the
// canonical form; SetRecord.Apply decodes it again.
//
//	raw, err := schema.EncodeValue(schema.FieldActualLoad, 80)
//	if err != nil {
//	    return err
//	}
//	if err := set.Apply(schema.FieldActualLoad, raw); err != nil {
//	    return err
//	}
//	set.RecomputeCompletion(time.Now())
//
// # Completion
//
// Completed is derived: true iff ActualLoad > 0 and ActualReps > 0. The first
// false→true flip stamps CompletedAt; a true→false flip leaves the stamp in
// place. The server recomputes the same flag and wins on reconciliation.
//
// # Wire Format
//
// SetPayload flattens its changed fields next to the coordinates:
//
//	{"exerciseId":"E1","setId":"3","actualLoad":80,"actualReps":8}
package schema
