package codec

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bulk-jobs-api/internal/models"
)

// DetectFormat resolves the wire format for an import. An explicit format wins;
// otherwise the filename extension decides (jsonl is treated as ndjson).
func DetectFormat(filename string, explicit string) (models.Format, error) {
	if explicit != "" {
		f := models.Format(strings.ToLower(explicit))
		if !f.Valid() {
			return "", fmt.Errorf("unsupported format: %s", explicit)
		}
		return f, nil
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch ext {
	case "json":
		return models.FormatJSON, nil
	case "ndjson", "jsonl":
		return models.FormatNDJSON, nil
	case "csv":
		return models.FormatCSV, nil
	}
	return "", fmt.Errorf("cannot detect format from filename: %s", filename)
}
