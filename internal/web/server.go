// Package web exposes the ingestion pipeline over HTTP. It is a thin
// collaborator: all state lives behind the processor and store interfaces.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/telemetryops/sensor-ingest/internal/export"
	"github.com/telemetryops/sensor-ingest/internal/logging"
	"github.com/telemetryops/sensor-ingest/internal/metastore"
	"github.com/telemetryops/sensor-ingest/internal/processor"
	"github.com/telemetryops/sensor-ingest/internal/readings"
)

// maxUploadBytes caps a single upload. Larger files are rejected before
// they reach the stores.
const maxUploadBytes = 64 << 20

// Service is the pipeline boundary the handlers call into.
type Service interface {
	Submit(ctx context.Context, data []byte, filename string) (string, error)
	GetStatus(ctx context.Context, fileID string) (*readings.Record, error)
	Health(ctx context.Context) error
}

// Scanner lists all processing records, for the listing and export
// endpoints.
type Scanner interface {
	Scan(ctx context.Context) ([]*readings.Record, error)
}

// Server holds the HTTP handlers.
type Server struct {
	svc     Service
	scanner Scanner
	log     *slog.Logger
}

// NewServer creates the handler set.
func NewServer(svc Service, scanner Scanner) *Server {
	return &Server{
		svc:     svc,
		scanner: scanner,
		log:     logging.Component("web"),
	}
}

// Router builds the API router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/files", s.UploadFile).Methods("POST")
	api.HandleFunc("/files", s.ListFiles).Methods("GET")
	api.HandleFunc("/files/export.parquet", s.ExportResults).Methods("GET")
	api.HandleFunc("/files/{id}", s.GetFile).Methods("GET")

	r.HandleFunc("/health", s.HealthCheck).Methods("GET")
	return r
}

// UploadFile handles POST /v1/files. It accepts either a multipart form
// with a "file" field or a raw CSV body, and responds with the generated
// file ID; processing happens in the background.
func (s *Server) UploadFile(w http.ResponseWriter, r *http.Request) {
	data, filename, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	fileID, err := s.svc.Submit(r.Context(), data, filename)
	if err != nil {
		if errors.Is(err, processor.ErrBusy) {
			writeError(w, http.StatusServiceUnavailable, "server is busy, retry later")
			return
		}
		s.log.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "upload rejected: "+err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"file_id": fileID})
}

// GetFile handles GET /v1/files/{id}.
func (s *Server) GetFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := s.svc.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.log.Error("get status failed", "file_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// ListFiles handles GET /v1/files.
func (s *Server) ListFiles(w http.ResponseWriter, r *http.Request) {
	records, err := s.scanner.Scan(r.Context())
	if err != nil {
		s.log.Error("scan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"files": records,
	})
}

// ExportResults handles GET /v1/files/export.parquet, serving all terminal
// records as a parquet file.
func (s *Server) ExportResults(w http.ResponseWriter, r *http.Request) {
	records, err := s.scanner.Scan(r.Context())
	if err != nil {
		s.log.Error("scan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="results.parquet"`)
	if err := export.Write(w, records); err != nil {
		// Headers are already out; all we can do is log.
		s.log.Error("export write failed", "error", err)
	}
}

// HealthCheck handles GET /health with a store round trip.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestMiddleware attaches a correlation ID and logs each request.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(r.Context(), correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", correlationID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// readUpload extracts the payload from a multipart form or the raw body.
func readUpload(r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", errors.New(`multipart upload requires a "file" field`)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", errors.New("read upload: " + err.Error())
		}
		return data, header.Filename, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", errors.New("read upload: " + err.Error())
	}
	return data, "", nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
