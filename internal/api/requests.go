package api

import (
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/bulk-jobs-api/internal/models"
)

var idempotencyKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

var (
	resourceRule = validation.In("users", "articles", "comments").
			Error("must be one of: users, articles, comments")
	formatRule = validation.In("json", "ndjson", "csv").
			Error("must be one of: json, ndjson, csv")
)

// validateImportRequest checks the import submission before any upload work.
func validateImportRequest(req *models.ImportRequest) error {
	return validation.ValidateStruct(req,
		validation.Field(&req.Resource, validation.Required, resourceRule),
		validation.Field(&req.Format, formatRule),
		validation.Field(&req.FileURL, is.URL),
		validation.Field(&req.IdempotencyKey,
			validation.Match(idempotencyKeyRegex).
				Error("must be 1-255 characters of [A-Za-z0-9_-]")),
	)
}

// validateExportRequest checks the export submission, including that every
// supplied filter applies to the requested resource.
func validateExportRequest(req *models.ExportRequest) error {
	if err := validation.ValidateStruct(req,
		validation.Field(&req.Resource, validation.Required, resourceRule),
		validation.Field(&req.Format, formatRule),
	); err != nil {
		return err
	}
	return checkFilters(models.ResourceType(req.Resource), req.Filters)
}

// checkFilters rejects filters that do not apply to the resource.
func checkFilters(resource models.ResourceType, f *models.ExportFilters) error {
	if f == nil {
		return nil
	}

	reject := func(field string) error {
		return validation.Errors{
			field: fmt.Errorf("filter does not apply to resource %s", resource),
		}
	}

	switch resource {
	case models.ResourceUsers:
		if f.Status != "" {
			return reject("status")
		}
		if f.AuthorID != "" {
			return reject("author_id")
		}
		if f.ArticleID != "" {
			return reject("article_id")
		}
		if f.UserID != "" {
			return reject("user_id")
		}
	case models.ResourceArticles:
		if f.Active != nil {
			return reject("active")
		}
		if f.ArticleID != "" {
			return reject("article_id")
		}
		if f.UserID != "" {
			return reject("user_id")
		}
	case models.ResourceComments:
		if f.Active != nil {
			return reject("active")
		}
		if f.Status != "" {
			return reject("status")
		}
		if f.AuthorID != "" {
			return reject("author_id")
		}
	}

	for _, id := range f.IDs {
		if err := validation.Validate(id, is.UUIDv4); err != nil {
			return validation.Errors{"ids": fmt.Errorf("invalid UUID: %s", id)}
		}
	}

	return nil
}
