package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PendingOperation is a durable record of one unconfirmed field edit.
// Operations are immutable once created.
type PendingOperation struct {
	ID         string          `json:"id"`
	ExerciseID string          `json:"exerciseId"`
	SetID      string          `json:"setId"`
	Field      Field           `json:"field"`
	Value      json.RawMessage `json:"value"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewOperation mints an operation with a fresh, never-reused id.
func NewOperation(exerciseID, setID string, field Field, value json.RawMessage, now time.Time) PendingOperation {
	return PendingOperation{
		ID:         uuid.NewString(),
		ExerciseID: exerciseID,
		SetID:      setID,
		Field:      field,
		Value:      value,
		Timestamp:  now,
	}
}

// Validate checks the operation is complete and its value fits its field.
func (op *PendingOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("id is required")
	}
	if op.ExerciseID == "" {
		return fmt.Errorf("exerciseId is required")
	}
	if op.SetID == "" {
		return fmt.Errorf("setId is required")
	}
	if !op.Field.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownField, op.Field)
	}
	if op.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	var scratch SetRecord
	if err := scratch.Apply(op.Field, op.Value); err != nil {
		return err
	}
	return nil
}

// Target is the (exercise, set) coordinate a payload is keyed by.
type Target struct {
	ExerciseID string
	SetID      string
}

// Target returns the operation's (exercise, set) coordinate.
func (op *PendingOperation) Target() Target {
	return Target{ExerciseID: op.ExerciseID, SetID: op.SetID}
}

// SetPayload is one idempotent upsert sent to the system of record. It
// carries every changed field for one (exercise, set), not a delta.
type SetPayload struct {
	ExerciseID string
	SetID      string
	Fields     map[Field]json.RawMessage
}

// Target returns the payload's (exercise, set) coordinate.
func (p SetPayload) Target() Target {
	return Target{ExerciseID: p.ExerciseID, SetID: p.SetID}
}

// ApplyTo writes every field in the payload onto set.
func (p SetPayload) ApplyTo(set *SetRecord) error {
	for _, f := range p.sortedFields() {
		if err := set.Apply(f, p.Fields[f]); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON flattens Fields next to the coordinates.
func (p SetPayload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeKV := func(k string, v []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(k)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(v)
	}

	exID, err := json.Marshal(p.ExerciseID)
	if err != nil {
		return nil, err
	}
	setID, err := json.Marshal(p.SetID)
	if err != nil {
		return nil, err
	}
	writeKV("exerciseId", exID)
	writeKV("setId", setID)

	for _, f := range p.sortedFields() {
		v := p.Fields[f]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		writeKV(string(f), v)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the flattened form produced by MarshalJSON.
func (p *SetPayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = SetPayload{Fields: make(map[Field]json.RawMessage)}
	for k, v := range raw {
		switch k {
		case "exerciseId":
			if err := json.Unmarshal(v, &p.ExerciseID); err != nil {
				return fmt.Errorf("exerciseId: %w", err)
			}
		case "setId":
			if err := json.Unmarshal(v, &p.SetID); err != nil {
				return fmt.Errorf("setId: %w", err)
			}
		default:
			f, err := ParseField(k)
			if err != nil {
				return err
			}
			p.Fields[f] = v
		}
	}
	return nil
}

// sortedFields returns field names in a fixed order so payload bytes are stable.
func (p SetPayload) sortedFields() []Field {
	order := []Field{
		FieldActualLoad, FieldActualReps, FieldRPE, FieldExecutionRating, FieldNotes,
		FieldCompleted, FieldCompletedAt,
	}
	fields := make([]Field, 0, len(p.Fields))
	for _, f := range order {
		if _, ok := p.Fields[f]; ok {
			fields = append(fields, f)
		}
	}
	return fields
}

// SyncRequest is the body of a batched sync call.
type SyncRequest struct {
	Payloads []SetPayload `json:"payloads"`
}

// AcceptedRecord is a set echoed back by the server after a successful upsert.
type AcceptedRecord struct {
	ExerciseID string `json:"exerciseId"`
	SetRecord
}

// Rejection reports one payload the server refused.
type Rejection struct {
	Payload SetPayload `json:"payload"`
	Error   string     `json:"error"`
}

// SyncResponse is the server's per-record verdict on a batch.
type SyncResponse struct {
	Accepted []AcceptedRecord `json:"accepted"`
	Rejected []Rejection      `json:"rejected"`
}
