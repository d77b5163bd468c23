package storage

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bulk-jobs-api/internal/models"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFilename strips path components and replaces characters that are
// unsafe in object keys.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeKeyChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}

// ImportKey builds the storage key for an uploaded import file:
// imports/YYYY-MM-DD/{job_id}/{sanitized_filename}.{ext}
func ImportKey(jobID, filename string, format models.Format, now time.Time) string {
	base := SanitizeFilename(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		base = "upload"
	}
	return fmt.Sprintf("imports/%s/%s/%s.%s", now.UTC().Format("2006-01-02"), jobID, base, format.Ext())
}

// ExportKey builds the storage key for an export artifact:
// exports/YYYY-MM-DD/{job_id}/export.{format}
func ExportKey(jobID string, format models.Format, now time.Time) string {
	return fmt.Sprintf("exports/%s/%s/export.%s", now.UTC().Format("2006-01-02"), jobID, format.Ext())
}
