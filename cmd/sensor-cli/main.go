// sensor-cli uploads a CSV of sensor readings and waits for the result.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/telemetryops/sensor-ingest/internal/readings"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "sensor-ingest server URL")
	file := flag.String("file", "", "path to the CSV file to upload")
	interval := flag.Duration("interval", 200*time.Millisecond, "poll interval")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	asJSON := flag.Bool("json", false, "print the raw record as JSON instead of tables")
	flag.Parse()

	if *file == "" {
		log.Fatal("missing -file")
	}

	client := &http.Client{Timeout: 30 * time.Second}

	fileID, err := upload(client, *server, *file)
	if err != nil {
		log.Fatalf("upload: %v", err)
	}
	fmt.Printf("uploaded: %s\n", fileID)

	rec, err := waitForResult(client, *server, fileID, *interval, *timeout)
	if err != nil {
		log.Fatalf("poll: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rec)
	} else {
		render(rec)
	}

	if rec.Status == readings.StatusFailed {
		os.Exit(1)
	}
}

// upload POSTs the file as a multipart form and returns the file ID.
func upload(client *http.Client, server, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	resp, err := client.Post(server+"/v1/files", mw.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		FileID string `json:"file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.FileID, nil
}

// waitForResult polls until the record reaches a terminal status.
func waitForResult(client *http.Client, server, fileID string, interval, timeout time.Duration) (*readings.Record, error) {
	deadline := time.Now().Add(timeout)

	for {
		rec, err := fetch(client, server, fileID)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("still %s after %s", rec.Status, timeout)
		}
		time.Sleep(interval)
	}
}

func fetch(client *http.Client, server, fileID string) (*readings.Record, error) {
	resp, err := client.Get(server + "/v1/files/" + fileID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}

	var rec readings.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func render(rec *readings.Record) {
	summary := tablewriter.NewWriter(os.Stdout)
	summary.SetHeader([]string{"Field", "Value"})
	summary.Append([]string{"file_id", rec.FileID})
	summary.Append([]string{"status", string(rec.Status)})
	if rec.ProcessingMS != nil {
		summary.Append([]string{"processing_ms", strconv.FormatInt(*rec.ProcessingMS, 10)})
	}
	if rec.ErrorMessage != "" {
		summary.Append([]string{"error", rec.ErrorMessage})
	}
	if a := rec.Aggregates; a != nil {
		summary.Append([]string{"row_count", strconv.FormatInt(a.RowCount, 10)})
		summary.Append([]string{"min_value", formatFloat(a.MinValue)})
		summary.Append([]string{"max_value", formatFloat(a.MaxValue)})
		summary.Append([]string{"mean_value", formatFloat(a.MeanValue)})
	}
	summary.Render()

	if a := rec.Aggregates; a != nil && len(a.PerSensorCount) > 0 {
		sensors := tablewriter.NewWriter(os.Stdout)
		sensors.SetHeader([]string{"Sensor", "Rows"})

		ids := make([]string, 0, len(a.PerSensorCount))
		for id := range a.PerSensorCount {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			sensors.Append([]string{id, strconv.FormatInt(a.PerSensorCount[id], 10)})
		}
		sensors.Render()
	}

	if len(rec.Errors) > 0 {
		errTable := tablewriter.NewWriter(os.Stdout)
		errTable.SetHeader([]string{"Row", "Reason"})
		for _, re := range rec.Errors {
			errTable.Append([]string{strconv.Itoa(re.RowNumber), re.Reason})
		}
		errTable.Render()
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
