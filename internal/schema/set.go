package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownField is returned for a field name outside the Field set.
	ErrUnknownField = errors.New("unknown field")

	// ErrInvalidValue is returned when a value does not fit the field it targets.
	ErrInvalidValue = errors.New("invalid value")

	// ErrDerivedField is returned when a caller tries to edit completed or
	// completedAt directly through the edit path.
	ErrDerivedField = errors.New("field is derived")
)

// Field names one column of a SetRecord that an operation may change.
type Field string

const (
	FieldActualLoad      Field = "actualLoad"
	FieldActualReps      Field = "actualReps"
	FieldRPE             Field = "rpe"
	FieldExecutionRating Field = "executionRating"
	FieldNotes           Field = "notes"

	// Derived pair. Only ever sent together with the edit that flipped them.
	FieldCompleted   Field = "completed"
	FieldCompletedAt Field = "completedAt"
)

const (
	maxRPE             = 10
	maxExecutionRating = 10
	maxNotesLength     = 2000
)

// MutableFields lists the fields a user edit may target.
var MutableFields = []Field{
	FieldActualLoad,
	FieldActualReps,
	FieldRPE,
	FieldExecutionRating,
	FieldNotes,
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	switch f {
	case FieldActualLoad, FieldActualReps, FieldRPE, FieldExecutionRating, FieldNotes,
		FieldCompleted, FieldCompletedAt:
		return true
	}
	return false
}

// Derived reports whether f is computed from other fields.
func (f Field) Derived() bool {
	return f == FieldCompleted || f == FieldCompletedAt
}

// ParseField converts a user-supplied name to a Field.
func ParseField(name string) (Field, error) {
	f := Field(name)
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return f, nil
}

// SetRecord is one training set within an exercise.
type SetRecord struct {
	// SetID is stable across edits; in practice the set's ordinal number.
	SetID string `json:"setId"`

	// ===== Mutable (user-edited) =====
	ActualLoad      float64  `json:"actualLoad"`
	ActualReps      int      `json:"actualReps"`
	RPE             *float64 `json:"rpe"`
	ExecutionRating *int     `json:"executionRating"`
	Notes           *string  `json:"notes"`

	// ===== Server-owned, mirrored for display =====
	TargetRepsMin int  `json:"targetRepsMin,omitempty"`
	TargetRepsMax int  `json:"targetRepsMax,omitempty"`
	RestSeconds   int  `json:"restSeconds,omitempty"`
	Completed     bool `json:"completed"`

	CompletedAt *time.Time `json:"completedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a copy that shares no pointers with s.
func (s SetRecord) Clone() SetRecord {
	dup := s
	if s.RPE != nil {
		v := *s.RPE
		dup.RPE = &v
	}
	if s.ExecutionRating != nil {
		v := *s.ExecutionRating
		dup.ExecutionRating = &v
	}
	if s.Notes != nil {
		v := *s.Notes
		dup.Notes = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		dup.CompletedAt = &v
	}
	return dup
}

// IsComplete reports whether the set's actual values count as performed.
func (s *SetRecord) IsComplete() bool {
	return s.ActualLoad > 0 && s.ActualReps > 0
}

// RecomputeCompletion re-derives Completed from the actual values.
// CompletedAt is stamped on a false→true flip and never cleared.
// Returns true if Completed changed.
func (s *SetRecord) RecomputeCompletion(now time.Time) bool {
	complete := s.IsComplete()
	if complete == s.Completed {
		return false
	}
	if complete {
		stamp := now
		s.CompletedAt = &stamp
	}
	s.Completed = complete
	return true
}

// Apply sets a single field from its canonical JSON value.
func (s *SetRecord) Apply(field Field, raw json.RawMessage) error {
	switch field {
	case FieldActualLoad:
		var v *float64
		if err := decode(field, raw, &v); err != nil {
			return err
		}
		if v == nil {
			s.ActualLoad = 0
			return nil
		}
		if *v < 0 {
			return fmt.Errorf("%w: %s must not be negative (got %v)", ErrInvalidValue, field, *v)
		}
		s.ActualLoad = *v

	case FieldActualReps:
		var v *int
		if err := decode(field, raw, &v); err != nil {
			return err
		}
		if v == nil {
			s.ActualReps = 0
			return nil
		}
		if *v < 0 {
			return fmt.Errorf("%w: %s must not be negative (got %d)", ErrInvalidValue, field, *v)
		}
		s.ActualReps = *v

	case FieldRPE:
		var v *float64
		if err := decode(field, raw, &v); err != nil {
			return err
		}
		if v != nil && (*v < 0 || *v > maxRPE) {
			return fmt.Errorf("%w: %s must be between 0 and %d (got %v)", ErrInvalidValue, field, maxRPE, *v)
		}
		s.RPE = v

	case FieldExecutionRating:
		var v *int
		if err := decode(field, raw, &v); err != nil {
			return err
		}
		if v != nil && (*v < 0 || *v > maxExecutionRating) {
			return fmt.Errorf("%w: %s must be between 0 and %d (got %d)", ErrInvalidValue, field, maxExecutionRating, *v)
		}
		s.ExecutionRating = v

	case FieldNotes:
		var v *string
		if err := decode(field, raw, &v); err != nil {
			return err
		}
		if v != nil && len(*v) > maxNotesLength {
			return fmt.Errorf("%w: %s must be %d characters or less (got %d)", ErrInvalidValue, field, maxNotesLength, len(*v))
		}
		s.Notes = v

	case FieldCompleted:
		var v bool
		if err := decode(field, raw, &v); err != nil {
			return err
		}
		s.Completed = v

	case FieldCompletedAt:
		var v *time.Time
		if err := decode(field, raw, &v); err != nil {
			return err
		}
		s.CompletedAt = v

	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

// Value returns the canonical JSON value currently held in field.
func (s *SetRecord) Value(field Field) (json.RawMessage, error) {
	var v any
	switch field {
	case FieldActualLoad:
		v = s.ActualLoad
	case FieldActualReps:
		v = s.ActualReps
	case FieldRPE:
		v = s.RPE
	case FieldExecutionRating:
		v = s.ExecutionRating
	case FieldNotes:
		v = s.Notes
	case FieldCompleted:
		v = s.Completed
	case FieldCompletedAt:
		v = s.CompletedAt
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return json.Marshal(v)
}

// EncodeValue validates v against field and returns its canonical JSON form.
func EncodeValue(field Field, v any) (json.RawMessage, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, field, err)
	}

	// Round-trip through a scratch record so the stored bytes are exactly
	// what Value would produce for the same state.
	var scratch SetRecord
	if err := scratch.Apply(field, raw); err != nil {
		return nil, err
	}
	return scratch.Value(field)
}

func decode(field Field, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, field, err)
	}
	return nil
}
