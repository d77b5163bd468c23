package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/bulk-jobs-api/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ExportHandler handles export endpoints
type ExportHandler struct {
	services *service.Services
	log      zerolog.Logger
}

// NewExportHandler creates a new ExportHandler
func NewExportHandler(services *service.Services, log zerolog.Logger) *ExportHandler {
	return &ExportHandler{
		services: services,
		log:      log.With().Str("handler", "export").Logger(),
	}
}

// CreateExport handles POST /v1/exports
// Creates an async export job and enqueues it for a worker.
func (h *ExportHandler) CreateExport(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Format == "" {
		req.Format = string(models.FormatNDJSON)
	}

	if err := validateExportRequest(&req); err != nil {
		respondErrorDetails(c, http.StatusBadRequest, "invalid export request", err)
		return
	}

	job, err := h.services.Export.CreateJob(ctx, &req)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create export job")
		respondError(c, http.StatusInternalServerError, "failed to create export job")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   job.ID,
		"status":   job.Status,
		"resource": job.Resource,
		"format":   job.Format,
		"message":  "Export job created and queued for processing",
	})
}

// GetExportStatus handles GET /v1/exports/:job_id
// A completed job's download URL is refreshed when close to expiry.
func (h *ExportHandler) GetExportStatus(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")

	job, err := h.services.Export.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(c, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		respondError(c, http.StatusInternalServerError, "failed to get job status")
		return
	}

	c.JSON(http.StatusOK, job)
}

// StreamExport handles GET /v1/exports/stream?resource=...&format=...
// Streams the export directly to the response.
func (h *ExportHandler) StreamExport(c *gin.Context) {
	ctx := c.Request.Context()

	req := models.ExportRequest{
		Resource: c.Query("resource"),
		Format:   c.Query("format"),
	}
	if req.Format == "" {
		req.Format = string(models.FormatNDJSON) // NDJSON streams best
	}
	if err := validateExportRequest(&req); err != nil {
		respondErrorDetails(c, http.StatusBadRequest, "invalid export request", err)
		return
	}

	result, err := h.services.Export.Stream(ctx,
		models.ResourceType(req.Resource), models.Format(req.Format), nil, nil)
	if err != nil {
		h.log.Error().Err(err).Str("resource", req.Resource).Msg("Export stream failed to start")
		respondError(c, http.StatusInternalServerError, "failed to start export")
		return
	}
	defer result.Reader.Close()

	c.Header("Content-Type", result.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", result.FileName))

	if _, err := io.Copy(c.Writer, result.Reader); err != nil {
		// Headers are gone; all we can do is log.
		h.log.Error().Err(err).Str("resource", req.Resource).Msg("Export stream aborted")
	}
}
