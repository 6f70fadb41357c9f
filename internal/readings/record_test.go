package readings

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusUploaded, false},
		{StatusProcessing, false},
		{StatusProcessed, true},
		{StatusPartial, true},
		{StatusFailed, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusUploaded, StatusProcessing, true},
		{StatusProcessing, StatusProcessed, true},
		{StatusProcessing, StatusPartial, true},
		{StatusProcessing, StatusFailed, true},
		{StatusUploaded, StatusProcessed, false},
		{StatusUploaded, StatusFailed, false},
		{StatusProcessed, StatusProcessing, false},
		{StatusPartial, StatusFailed, false},
		{StatusFailed, StatusUploaded, false},
		{StatusProcessing, StatusUploaded, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	processed := time.Date(2025, 10, 1, 8, 0, 1, 0, time.UTC)
	ms := int64(42)
	rec := &Record{
		FileID:       "f1",
		Status:       StatusPartial,
		UploadedAt:   time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC),
		ProcessedAt:  &processed,
		ProcessingMS: &ms,
		Aggregates: &Aggregates{
			RowCount:       1,
			PerSensorCount: map[string]int64{"s1": 1},
		},
		Errors: []RowError{{RowNumber: 2, Reason: "missing value"}},
	}

	cp := rec.Clone()
	cp.Aggregates.RowCount = 99
	cp.Aggregates.PerSensorCount["s1"] = 99
	cp.Errors[0].Reason = "mutated"
	*cp.ProcessedAt = processed.Add(time.Hour)
	*cp.ProcessingMS = 1000

	if rec.Aggregates.RowCount != 1 || rec.Aggregates.PerSensorCount["s1"] != 1 {
		t.Errorf("aggregates aliased: %+v", rec.Aggregates)
	}
	if rec.Errors[0].Reason != "missing value" {
		t.Errorf("errors aliased: %+v", rec.Errors)
	}
	if !rec.ProcessedAt.Equal(processed) || *rec.ProcessingMS != 42 {
		t.Errorf("timing fields aliased: %v %d", rec.ProcessedAt, *rec.ProcessingMS)
	}
}

func TestRecordJSONOmitsOptionalFields(t *testing.T) {
	rec := Record{
		FileID:     "f1",
		Status:     StatusUploaded,
		UploadedAt: time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	for _, key := range []string{"processed_at", "processing_ms", "aggregates", "errors", "error_message", "filename"} {
		if _, ok := m[key]; ok {
			t.Errorf("field %q should be omitted for a fresh upload", key)
		}
	}
	if m["file_id"] != "f1" || m["status"] != "uploaded" {
		t.Errorf("unexpected serialization: %v", m)
	}
}
