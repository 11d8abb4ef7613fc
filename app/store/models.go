package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omrchecker/omrd/app/store/enums"
)

// Operator is an authenticated caller of the system. Created once via
// provisioning, immutable except for the webhook URL.
type Operator struct {
	ID         string    `db:"id" json:"id"`
	Token      string    `db:"token" json:"token"`
	WebhookURL string    `db:"webhook_url" json:"webhook_url"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ParsingJob is one batch submission owning N sheets.
// Invariants: 0 <= ProcessedSheets <= TotalSheets, CompletedAt set iff
// the status is terminal.
type ParsingJob struct {
	ID              string               `db:"id" json:"id"`
	OperatorID      string               `db:"operator_id" json:"operator_id"`
	Status          enums.JobStatus      `db:"status" json:"status"`
	TotalSheets     int                  `db:"total_sheets" json:"total_sheets"`
	ProcessedSheets int                  `db:"processed_sheets" json:"processed_sheets"`
	CallbackStatus  enums.CallbackStatus `db:"callback_status" json:"callback_status"`
	CreatedAt       time.Time            `db:"created_at" json:"created_at"`
	CompletedAt     *time.Time           `db:"completed_at" json:"completed_at,omitempty"`
}

// OMRSheet is one unit of work within a job. Result is populated iff the
// sheet is PARSED, ErrorMessage iff it is FAILED.
type OMRSheet struct {
	ID           string            `db:"id" json:"id"`
	JobID        string            `db:"parsing_job_id" json:"parsing_job_id"`
	ImageURL     string            `db:"image_url" json:"image_url"`
	Result       SheetResult       `db:"result_json" json:"result"`
	Status       enums.SheetStatus `db:"status" json:"status"`
	ErrorMessage *string           `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
	ParsedAt     *time.Time        `db:"parsed_at" json:"parsed_at,omitempty"`
}

// SheetResult holds the recognizer outcome for one sheet, serialized to the
// result_json text column at the repository boundary. An empty result (no
// answers, zero multi-marked) is stored as "{}".
type SheetResult struct {
	Answers     map[string]any `json:"answers,omitempty"`
	MultiMarked int            `json:"multi_marked_count,omitempty"`
}

// Empty reports whether the result carries no recognizer output
func (r SheetResult) Empty() bool { return len(r.Answers) == 0 && r.MultiMarked == 0 }

// Value implements driver.Valuer
func (r SheetResult) Value() (driver.Value, error) {
	if r.Empty() {
		return "{}", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal sheet result: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (r *SheetResult) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case nil:
		*r = SheetResult{}
		return nil
	default:
		return fmt.Errorf("sheet result: unsupported type %T", value)
	}
	if len(data) == 0 {
		*r = SheetResult{}
		return nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return fmt.Errorf("decode sheet result: %w", err)
	}
	return nil
}
