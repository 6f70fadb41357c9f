// Package readings defines the processing record model shared by the
// stores, the processor, and the API layer.
package readings

import (
	"time"
)

// Status is the lifecycle state of an uploaded file.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessed, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the move from s to next is legal.
// Transitions are monotonic: uploaded -> processing -> terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusUploaded:
		return next == StatusProcessing
	case StatusProcessing:
		return next.Terminal()
	}
	return false
}

// Aggregates holds the statistics computed over the accepted rows of one
// file. It is present on a record only when at least one row validated.
type Aggregates struct {
	RowCount       int64            `json:"row_count"`
	MinValue       float64          `json:"min_value"`
	MaxValue       float64          `json:"max_value"`
	MeanValue      float64          `json:"mean_value"`
	PerSensorCount map[string]int64 `json:"per_sensor_count"`
}

// RowError describes a single data row that failed validation.
// Row numbers are 1-based over data rows, header excluded.
type RowError struct {
	RowNumber int    `json:"row_number"`
	Reason    string `json:"reason"`
}

// Record is the full processing record for one uploaded file. The file ID
// is the partition key in the metadata store.
type Record struct {
	FileID       string      `json:"file_id"`
	Filename     string      `json:"filename,omitempty"`
	Status       Status      `json:"status"`
	UploadedAt   time.Time   `json:"uploaded_at"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	ProcessingMS *int64      `json:"processing_ms,omitempty"`
	Aggregates   *Aggregates `json:"aggregates,omitempty"`
	Errors       []RowError  `json:"errors,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Key returns the partition key for the record.
func (r *Record) Key() string {
	return r.FileID
}

// Clone returns a deep copy of the record. Nothing in the copy aliases
// the original, so either side can be mutated freely afterwards.
func (r *Record) Clone() *Record {
	out := *r
	if r.ProcessedAt != nil {
		ts := *r.ProcessedAt
		out.ProcessedAt = &ts
	}
	if r.ProcessingMS != nil {
		ms := *r.ProcessingMS
		out.ProcessingMS = &ms
	}
	if r.Aggregates != nil {
		aggs := *r.Aggregates
		if r.Aggregates.PerSensorCount != nil {
			aggs.PerSensorCount = make(map[string]int64, len(r.Aggregates.PerSensorCount))
			for id, n := range r.Aggregates.PerSensorCount {
				aggs.PerSensorCount[id] = n
			}
		}
		out.Aggregates = &aggs
	}
	if r.Errors != nil {
		out.Errors = append([]RowError(nil), r.Errors...)
	}
	return &out
}
