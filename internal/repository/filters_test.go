package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/bulk-jobs-api/internal/models"
)

func TestUserWhereEmpty(t *testing.T) {
	where, args := userWhere(nil)
	if where != "" || len(args) != 0 {
		t.Errorf("nil filters must produce no clause, got %q %v", where, args)
	}
}

func TestUserWhereActiveAndDates(t *testing.T) {
	active := true
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := userWhere(&models.ExportFilters{
		Active:       &active,
		CreatedAfter: &after,
	})

	if !strings.Contains(where, "created_at > $1") {
		t.Errorf("missing created_after condition: %q", where)
	}
	if !strings.Contains(where, "active = $2") {
		t.Errorf("missing active condition: %q", where)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
}

func TestArticleWhere(t *testing.T) {
	where, args := articleWhere(&models.ExportFilters{
		Status:   "published",
		AuthorID: "author-1",
	})
	if !strings.Contains(where, "status = $1") || !strings.Contains(where, "author_id = $2") {
		t.Errorf("article clause wrong: %q", where)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}

	// Inapplicable filter fields are ignored by the builder
	active := true
	where, _ = articleWhere(&models.ExportFilters{Active: &active})
	if where != "" {
		t.Errorf("active must not apply to articles: %q", where)
	}
}

func TestCommentWhere(t *testing.T) {
	where, args := commentWhere(&models.ExportFilters{
		ArticleID: "a-1",
		UserID:    "u-1",
	})
	if !strings.Contains(where, "article_id = $1") || !strings.Contains(where, "user_id = $2") {
		t.Errorf("comment clause wrong: %q", where)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
}

func TestWhereIDs(t *testing.T) {
	where, args := userWhere(&models.ExportFilters{IDs: []string{"id-1", "id-2"}})
	if !strings.Contains(where, "id = ANY($1)") {
		t.Errorf("missing ids condition: %q", where)
	}
	if len(args) != 1 {
		t.Errorf("expected 1 arg, got %d", len(args))
	}
}
