// Package enums provides closed, string-backed status sets for jobs, sheets
// and webhook callbacks. Values are persisted as their string literals and
// validated on the way in and out of the database; unknown literals are
// rejected with a decode error instead of being silently accepted.
package enums

import (
	"database/sql/driver"
	"fmt"
)

// JobStatus represents the lifecycle state of a parsing job
type JobStatus string

// parsing job states, PENDING -> PROCESSING -> {COMPLETED, FAILED}
const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// ParseJobStatus converts a string to JobStatus, rejecting unknown values
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("invalid job status %q", s)
}

// String returns the persisted literal
func (s JobStatus) String() string { return string(s) }

// Terminal reports whether no further transition can occur
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Scan implements sql.Scanner
func (s *JobStatus) Scan(value any) error {
	str, err := scanString(value)
	if err != nil {
		return fmt.Errorf("job status: %w", err)
	}
	parsed, err := ParseJobStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer
func (s JobStatus) Value() (driver.Value, error) { return string(s), nil }

// MarshalText implements encoding.TextMarshaler
func (s JobStatus) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *JobStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseJobStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SheetStatus represents the lifecycle state of a single OMR sheet
type SheetStatus string

// sheet states, PENDING -> {PARSED, FAILED}, both terminal
const (
	SheetPending SheetStatus = "PENDING"
	SheetParsed  SheetStatus = "PARSED"
	SheetFailed  SheetStatus = "FAILED"
)

// ParseSheetStatus converts a string to SheetStatus, rejecting unknown values
func ParseSheetStatus(s string) (SheetStatus, error) {
	switch SheetStatus(s) {
	case SheetPending, SheetParsed, SheetFailed:
		return SheetStatus(s), nil
	}
	return "", fmt.Errorf("invalid sheet status %q", s)
}

// String returns the persisted literal
func (s SheetStatus) String() string { return string(s) }

// Terminal reports whether the sheet reached its final state
func (s SheetStatus) Terminal() bool { return s == SheetParsed || s == SheetFailed }

// Scan implements sql.Scanner
func (s *SheetStatus) Scan(value any) error {
	str, err := scanString(value)
	if err != nil {
		return fmt.Errorf("sheet status: %w", err)
	}
	parsed, err := ParseSheetStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer
func (s SheetStatus) Value() (driver.Value, error) { return string(s), nil }

// MarshalText implements encoding.TextMarshaler
func (s SheetStatus) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *SheetStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSheetStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CallbackStatus represents the delivery state of the completion webhook
type CallbackStatus string

// callback delivery states
const (
	CallbackNotSent CallbackStatus = "NOT_SENT"
	CallbackSent    CallbackStatus = "SENT"
	CallbackFailed  CallbackStatus = "FAILED"
)

// ParseCallbackStatus converts a string to CallbackStatus, rejecting unknown values
func ParseCallbackStatus(s string) (CallbackStatus, error) {
	switch CallbackStatus(s) {
	case CallbackNotSent, CallbackSent, CallbackFailed:
		return CallbackStatus(s), nil
	}
	return "", fmt.Errorf("invalid callback status %q", s)
}

// String returns the persisted literal
func (s CallbackStatus) String() string { return string(s) }

// Scan implements sql.Scanner
func (s *CallbackStatus) Scan(value any) error {
	str, err := scanString(value)
	if err != nil {
		return fmt.Errorf("callback status: %w", err)
	}
	parsed, err := ParseCallbackStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer
func (s CallbackStatus) Value() (driver.Value, error) { return string(s), nil }

// MarshalText implements encoding.TextMarshaler
func (s CallbackStatus) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *CallbackStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseCallbackStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func scanString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unsupported type %T", value)
	}
}
