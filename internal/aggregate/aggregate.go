// Package aggregate implements the pure validation and statistics logic
// applied to the rows of one uploaded file. It performs no I/O and keeps
// no state between calls.
package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/telemetryops/sensor-ingest/internal/readings"
)

// RawRow is a single data row as read from the CSV, fields still unparsed.
// Number is 1-based over data rows, header excluded.
type RawRow struct {
	Number    int
	SensorID  string
	Timestamp string
	Value     string
}

// requiredColumns are matched case-insensitively, in any order.
var requiredColumns = []string{"sensor_id", "timestamp", "value"}

// timestampLayouts accepted for the timestamp field, tried in order.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ReadRows decodes the CSV and returns the data rows in input order.
// Header validation happens here: if any required column is absent the
// whole file fails before any row is seen.
func ReadRows(r io.Reader) ([]RawRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required column(s): %s", strings.Join(missing, ", "))
	}

	var rows []RawRow
	number := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", number+1, err)
		}
		number++
		rows = append(rows, RawRow{
			Number:    number,
			SensorID:  field(rec, index["sensor_id"]),
			Timestamp: field(rec, index["timestamp"]),
			Value:     field(rec, index["value"]),
		})
	}

	return rows, nil
}

// field returns the i-th field of a record, or "" for short rows. A short
// row then surfaces as a missing-field row error instead of aborting the
// file.
func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return rec[i]
}

// Aggregate validates every row and computes statistics over the accepted
// ones. The returned Aggregates is nil when zero rows were accepted; the
// returned errors are in input order and empty when every row validated.
// The mean is accumulated incrementally so very large files do not
// overflow a running sum.
func Aggregate(rows []RawRow) (*readings.Aggregates, []readings.RowError) {
	var (
		errs     []readings.RowError
		count    int64
		minValue float64
		maxValue float64
		mean     float64
	)
	perSensor := make(map[string]int64)

	for _, row := range rows {
		sensorID := strings.TrimSpace(row.SensorID)
		if sensorID == "" {
			errs = append(errs, readings.RowError{RowNumber: row.Number, Reason: "missing sensor_id"})
			continue
		}

		ts := strings.TrimSpace(row.Timestamp)
		if ts == "" {
			errs = append(errs, readings.RowError{RowNumber: row.Number, Reason: "missing timestamp"})
			continue
		}
		if !parseableTimestamp(ts) {
			errs = append(errs, readings.RowError{RowNumber: row.Number, Reason: "invalid timestamp"})
			continue
		}

		raw := strings.TrimSpace(row.Value)
		if raw == "" {
			errs = append(errs, readings.RowError{RowNumber: row.Number, Reason: "missing value"})
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
			errs = append(errs, readings.RowError{RowNumber: row.Number, Reason: "invalid value"})
			continue
		}

		count++
		if count == 1 {
			minValue = value
			maxValue = value
		} else {
			if value < minValue {
				minValue = value
			}
			if value > maxValue {
				maxValue = value
			}
		}
		mean += (value - mean) / float64(count)
		perSensor[sensorID]++
	}

	if count == 0 {
		return nil, errs
	}

	return &readings.Aggregates{
		RowCount:       count,
		MinValue:       minValue,
		MaxValue:       maxValue,
		MeanValue:      mean,
		PerSensorCount: perSensor,
	}, errs
}

func parseableTimestamp(ts string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, ts); err == nil {
			return true
		}
	}
	return false
}
