package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bulk-jobs-api/internal/api"
	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/servicemocks"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func setupTestRouter() (*gin.Engine, *servicemocks.MockImportService, *servicemocks.MockExportService) {
	gin.SetMode(gin.TestMode)

	mockImport := servicemocks.NewMockImportService()
	mockExport := servicemocks.NewMockExportService()

	services := &service.Services{
		Import: mockImport,
		Export: mockExport,
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "8080"},
		Import: config.ImportConfig{
			BatchSize:     1000,
			MaxUploadSize: 500 * 1024 * 1024,
		},
	}

	log := zerolog.Nop()
	router := api.NewRouter(services, cfg, log)

	return router, mockImport, mockExport
}

func multipartBody(t *testing.T, resource, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	writer.WriteField("resource", resource)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte(content))
	writer.Close()
	return &buf, writer.FormDataContentType()
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := setupTestRouter()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)

	if response["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", response["status"])
	}
	if response["service"] != "bulk-jobs-api" {
		t.Errorf("Expected service name, got %v", response["service"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	router, _, mockExport := setupTestRouter()
	mockExport.Counts[models.ResourceUsers] = 1000
	mockExport.Counts[models.ResourceComments] = 2000

	req := httptest.NewRequest("GET", "/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Database map[string]int `json:"database"`
	}
	json.Unmarshal(w.Body.Bytes(), &response)
	if response.Database["users"] != 1000 || response.Database["comments"] != 2000 {
		t.Errorf("wrong counts: %v", response.Database)
	}
}

func TestCreateImportUpload(t *testing.T) {
	router, mockImport, _ := setupTestRouter()

	body, contentType := multipartBody(t, "users", "users.csv", "email,name\nalice@example.com,Alice\n")
	req := httptest.NewRequest("POST", "/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(mockImport.LastUploaded) == 0 {
		t.Error("upload never reached the service")
	}

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["job_id"] == "" {
		t.Error("missing job_id in response")
	}
	if response["status"] != "pending" {
		t.Errorf("status = %v, want pending", response["status"])
	}
}

func TestCreateImportInvalidResource(t *testing.T) {
	router, _, _ := setupTestRouter()

	body, contentType := multipartBody(t, "widgets", "w.csv", "a,b\n")
	req := httptest.NewRequest("POST", "/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}

	// Error envelope shape
	var envelope map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &envelope)
	for _, field := range []string{"status_code", "error", "message", "timestamp", "path", "request_id"} {
		if _, ok := envelope[field]; !ok {
			t.Errorf("error envelope missing %q: %v", field, envelope)
		}
	}
	if envelope["path"] != "/v1/imports" {
		t.Errorf("path = %v", envelope["path"])
	}
}

func TestCreateImportIdempotencyReplay(t *testing.T) {
	router, _, _ := setupTestRouter()

	body1, ct1 := multipartBody(t, "users", "users.csv", "email,name\n")
	req1 := httptest.NewRequest("POST", "/v1/imports", body1)
	req1.Header.Set("Content-Type", ct1)
	req1.Header.Set("Idempotency-Key", "k1")
	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, req1)

	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request: expected 202, got %d", w1.Code)
	}
	var first map[string]interface{}
	json.Unmarshal(w1.Body.Bytes(), &first)

	// Replay with the same key returns the existing job with 200.
	body2, ct2 := multipartBody(t, "users", "users.csv", "email,name\n")
	req2 := httptest.NewRequest("POST", "/v1/imports", body2)
	req2.Header.Set("Content-Type", ct2)
	req2.Header.Set("Idempotency-Key", "k1")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", w2.Code)
	}
	var second map[string]interface{}
	json.Unmarshal(w2.Body.Bytes(), &second)
	if first["job_id"] != second["job_id"] {
		t.Errorf("replay returned different job: %v vs %v", first["job_id"], second["job_id"])
	}
}

func TestCreateImportBadIdempotencyKey(t *testing.T) {
	router, _, _ := setupTestRouter()

	body, ct := multipartBody(t, "users", "users.csv", "email,name\n")
	req := httptest.NewRequest("POST", "/v1/imports", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Idempotency-Key", "bad key with spaces!")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", w.Code)
	}
}

func TestGetImportStatusNotFound(t *testing.T) {
	router, _, _ := setupTestRouter()

	req := httptest.NewRequest("GET", "/v1/imports/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.Code)
	}
}

func TestCreateExport(t *testing.T) {
	router, _, mockExport := setupTestRouter()

	payload := `{"resource":"users","format":"csv","filters":{"active":true}}`
	req := httptest.NewRequest("POST", "/v1/exports", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(mockExport.Jobs) != 1 {
		t.Errorf("expected 1 export job created, got %d", len(mockExport.Jobs))
	}
}

func TestCreateExportInapplicableFilter(t *testing.T) {
	router, _, _ := setupTestRouter()

	// users export cannot filter on article status
	payload := `{"resource":"users","format":"csv","filters":{"status":"published"}}`
	req := httptest.NewRequest("POST", "/v1/exports", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStreamExport(t *testing.T) {
	router, _, mockExport := setupTestRouter()
	mockExport.StreamBody = "{\"email\":\"a@example.com\"}\n"

	req := httptest.NewRequest("GET", "/v1/exports/stream?resource=users&format=ndjson", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	data, _ := io.ReadAll(w.Body)
	if string(data) != mockExport.StreamBody {
		t.Errorf("stream body = %q", string(data))
	}
}

func TestGetExportStatus(t *testing.T) {
	router, _, mockExport := setupTestRouter()
	mockExport.Jobs["e1"] = &models.ExportJob{
		ID:       "e1",
		Resource: models.ResourceUsers,
		Format:   models.FormatNDJSON,
		Status:   models.JobStatusCompleted,
	}

	req := httptest.NewRequest("GET", "/v1/exports/e1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var job models.ExportJob
	json.Unmarshal(w.Body.Bytes(), &job)
	if job.ID != "e1" || job.Status != models.JobStatusCompleted {
		t.Errorf("wrong job returned: %+v", job)
	}
}
