package repository

import (
	"fmt"
	"strings"

	"github.com/bulk-jobs-api/internal/models"
	"github.com/lib/pq"
)

// whereBuilder accumulates WHERE conditions with positional parameters.
// The same builder output backs both the count and the page queries of an
// export, so the two can never drift.
type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) add(column, op string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, fmt.Sprintf("%s %s $%d", column, op, len(b.args)))
}

func (b *whereBuilder) addAny(column string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, fmt.Sprintf("%s = ANY($%d)", column, len(b.args)))
}

// clause renders the WHERE clause (or "" when unfiltered) and its arguments.
func (b *whereBuilder) clause() (string, []any) {
	if len(b.conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(b.conds, " AND "), b.args
}

// common applies the filters every resource supports. Unknown or inapplicable
// filter fields are ignored here; the HTTP layer rejects them up front.
func (b *whereBuilder) common(f *models.ExportFilters) {
	if f == nil {
		return
	}
	if len(f.IDs) > 0 {
		b.addAny("id", pq.Array(f.IDs))
	}
	if f.CreatedAfter != nil {
		b.add("created_at", ">", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		b.add("created_at", "<", *f.CreatedBefore)
	}
	if f.UpdatedAfter != nil {
		b.add("updated_at", ">", *f.UpdatedAfter)
	}
	if f.UpdatedBefore != nil {
		b.add("updated_at", "<", *f.UpdatedBefore)
	}
}

func userWhere(f *models.ExportFilters) (string, []any) {
	var b whereBuilder
	b.common(f)
	if f != nil && f.Active != nil {
		b.add("active", "=", *f.Active)
	}
	return b.clause()
}

func articleWhere(f *models.ExportFilters) (string, []any) {
	var b whereBuilder
	b.common(f)
	if f != nil {
		if f.Status != "" {
			b.add("status", "=", f.Status)
		}
		if f.AuthorID != "" {
			b.add("author_id", "=", f.AuthorID)
		}
	}
	return b.clause()
}

func commentWhere(f *models.ExportFilters) (string, []any) {
	var b whereBuilder
	b.common(f)
	if f != nil {
		if f.ArticleID != "" {
			b.add("article_id", "=", f.ArticleID)
		}
		if f.UserID != "" {
			b.add("user_id", "=", f.UserID)
		}
	}
	return b.clause()
}
