package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/repository"
	"github.com/bulk-jobs-api/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ImportHandler handles import endpoints
type ImportHandler struct {
	services *service.Services
	cfg      *config.Config
	log      zerolog.Logger
}

// NewImportHandler creates a new ImportHandler
func NewImportHandler(services *service.Services, cfg *config.Config, log zerolog.Logger) *ImportHandler {
	return &ImportHandler{
		services: services,
		cfg:      cfg,
		log:      log.With().Str("handler", "import").Logger(),
	}
}

// CreateImport handles POST /v1/imports
// Accepts file upload (multipart) or JSON body with file URL
func (h *ImportHandler) CreateImport(c *gin.Context) {
	ctx := c.Request.Context()

	req := &models.ImportRequest{
		Resource:       c.PostForm("resource"),
		Format:         c.PostForm("format"),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	}
	if req.Resource == "" {
		req.Resource = c.Query("resource")
	}
	if req.Format == "" {
		req.Format = c.Query("format")
	}

	var upload *service.Upload
	file, header, err := c.Request.FormFile("file")
	if err == nil {
		defer file.Close()

		if header.Size > h.cfg.Import.MaxUploadSize {
			respondError(c, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large, max size is %d MB", h.cfg.Import.MaxUploadSize/(1024*1024)))
			return
		}

		upload = &service.Upload{
			Reader:   file,
			FileName: header.Filename,
			Size:     header.Size,
		}
	} else {
		// No multipart file: expect a JSON body carrying a remote URL.
		var body struct {
			Resource string `json:"resource"`
			FileURL  string `json:"file_url"`
			Format   string `json:"format"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, http.StatusBadRequest, "file upload or file_url is required")
			return
		}
		if body.Resource != "" {
			req.Resource = body.Resource
		}
		if body.Format != "" {
			req.Format = body.Format
		}
		req.FileURL = body.FileURL
		if req.FileURL == "" {
			respondError(c, http.StatusBadRequest, "file upload or file_url is required")
			return
		}
	}

	if err := validateImportRequest(req); err != nil {
		respondErrorDetails(c, http.StatusBadRequest, "invalid import request", err)
		return
	}

	job, existing, err := h.services.Import.CreateJob(ctx, req, upload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create import job")
		respondError(c, http.StatusInternalServerError, "failed to create import job")
		return
	}

	if existing {
		c.JSON(http.StatusOK, job)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   job.ID,
		"status":   job.Status,
		"resource": job.Resource,
		"message":  "Import job created and queued for processing",
	})
}

// GetImportStatus handles GET /v1/imports/:job_id
func (h *ImportHandler) GetImportStatus(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("job_id")

	job, err := h.services.Import.GetJob(ctx, jobID)
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
