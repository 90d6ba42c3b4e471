package types

import (
	"encoding/json"
	"time"
)

// ExportStatus is the lifecycle state of an ExportJob. Partial is an
// observable intermediate state, not an error.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportPartial    ExportStatus = "partial"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// Export types.
const (
	ExportMaterialsCSV  = "materials_csv"
	ExportMaterialsJSON = "materials_json"
)

// ExportPart is one checkpointed batch of export output.
type ExportPart struct {
	Index     int       `json:"index"`
	Offset    int       `json:"offset"`
	Rows      int       `json:"rows"`
	LastID    int64     `json:"lastId"`
	Key       string    `json:"key"`
	WrittenAt time.Time `json:"writtenAt"`
}

// ExportJob tracks a long-running export. Parts only grow.
type ExportJob struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       ExportStatus    `json:"status"`
	Params       json.RawMessage `json:"params,omitempty"`
	Attempts     int             `json:"attempts"`
	Parts        []ExportPart    `json:"parts"`
	TotalRows    int             `json:"total_rows"`
	ResultURL    *string         `json:"result_url,omitempty"`
	FileKey      *string         `json:"file_key,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// RowsWritten sums the rows of every recorded part.
func (e *ExportJob) RowsWritten() int {
	total := 0
	for _, p := range e.Parts {
		total += p.Rows
	}
	return total
}

// Checkpoint returns the row offset and primary-key cursor after the last
// recorded part.
func (e *ExportJob) Checkpoint() (offset int, lastID int64) {
	if len(e.Parts) == 0 {
		return 0, 0
	}
	last := e.Parts[len(e.Parts)-1]
	return last.Offset + last.Rows, last.LastID
}

// ExportEventPayload is the payload of export.completed and export.failed.
type ExportEventPayload struct {
	ExportJobID string  `json:"exportJobId"`
	Type        string  `json:"type"`
	Rows        int     `json:"rows"`
	Parts       int     `json:"parts"`
	FileKey     string  `json:"fileKey,omitempty"`
	Error       string  `json:"error,omitempty"`
	DurationMS  int64   `json:"durationMs"`
	ResultURL   *string `json:"resultUrl,omitempty"`
}

// Material is a stock item; it is the row source for material exports and
// the low-stock view.
type Material struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Unit           string    `json:"unit"`
	QuantityOnHand float64   `json:"quantity_on_hand"`
	ReorderLevel   float64   `json:"reorder_level"`
	UpdatedAt      time.Time `json:"updated_at"`
}
