// Package export renders terminal processing records as a parquet file for
// offline analytics.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/telemetryops/sensor-ingest/internal/readings"
)

// ResultRow is one record in the export file. Optional fields are
// flattened: zero values stand in for absent aggregates.
type ResultRow struct {
	FileID       string    `parquet:"file_id"`
	Filename     string    `parquet:"filename"`
	Status       string    `parquet:"status"`
	UploadedAt   time.Time `parquet:"uploaded_at,timestamp(millisecond)"`
	ProcessedAt  time.Time `parquet:"processed_at,timestamp(millisecond)"`
	ProcessingMS int64     `parquet:"processing_ms"`
	RowCount     int64     `parquet:"row_count"`
	MinValue     float64   `parquet:"min_value"`
	MaxValue     float64   `parquet:"max_value"`
	MeanValue    float64   `parquet:"mean_value"`
	RowErrors    int32     `parquet:"row_errors"`
	ErrorMessage string    `parquet:"error_message"`
}

// Rows converts records to export rows. Non-terminal records are skipped;
// the export is a snapshot of finished work only.
func Rows(records []*readings.Record) []ResultRow {
	var out []ResultRow
	for _, rec := range records {
		if !rec.Status.Terminal() {
			continue
		}

		row := ResultRow{
			FileID:       rec.FileID,
			Filename:     rec.Filename,
			Status:       string(rec.Status),
			UploadedAt:   rec.UploadedAt,
			RowErrors:    int32(len(rec.Errors)),
			ErrorMessage: rec.ErrorMessage,
		}
		if rec.ProcessedAt != nil {
			row.ProcessedAt = *rec.ProcessedAt
		}
		if rec.ProcessingMS != nil {
			row.ProcessingMS = *rec.ProcessingMS
		}
		if rec.Aggregates != nil {
			row.RowCount = rec.Aggregates.RowCount
			row.MinValue = rec.Aggregates.MinValue
			row.MaxValue = rec.Aggregates.MaxValue
			row.MeanValue = rec.Aggregates.MeanValue
		}
		out = append(out, row)
	}
	return out
}

// Write writes the terminal records to w as parquet.
func Write(w io.Writer, records []*readings.Record) error {
	rows := Rows(records)
	if err := parquet.Write(w, rows); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	return nil
}
