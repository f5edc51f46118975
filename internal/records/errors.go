package records

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord: the file is not well-formed JSON, a required field is
	// missing, or a field has the wrong type.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrInvalidRange: a metric range has low > high.
	ErrInvalidRange = errors.New("invalid range")
	// ErrAmbiguousMetric: a metric carries both a flat forecast and day-keyed values.
	ErrAmbiguousMetric = errors.New("ambiguous metric")
)

// RecordError locates a rejected record by file path and field path.
type RecordError struct {
	Path   string
	Field  string
	Kind   error
	Reason string
}

func (e *RecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v: %s", e.Path, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v: %s", e.Path, e.Field, e.Kind, e.Reason)
}

func (e *RecordError) Unwrap() error {
	return e.Kind
}

// KindName returns a short label for metrics and the record_errors table.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRange):
		return "invalid_range"
	case errors.Is(err, ErrAmbiguousMetric):
		return "ambiguous_metric"
	case errors.Is(err, ErrMalformedRecord):
		return "malformed_record"
	default:
		return "io"
	}
}

func malformed(path, field, reason string) error {
	return &RecordError{Path: path, Field: field, Kind: ErrMalformedRecord, Reason: reason}
}
