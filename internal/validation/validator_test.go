package validation

import (
	"strings"
	"testing"
)

const validUUID = "550e8400-e29b-41d4-a716-446655440000"

func fieldSet(errs []FieldError) map[string]bool {
	set := make(map[string]bool, len(errs))
	for _, e := range errs {
		set[e.Field] = true
	}
	return set
}

func TestValidateUser(t *testing.T) {
	tests := []struct {
		name       string
		fields     map[string]any
		wantErrors int
		wantFields []string
	}{
		{
			name: "valid user with all fields",
			fields: map[string]any{
				"id": validUUID, "email": "test@example.com", "name": "Test User",
				"role": "admin", "active": "true", "created_at": "2024-01-01T00:00:00Z",
			},
			wantErrors: 0,
		},
		{
			name: "id is optional",
			fields: map[string]any{
				"email": "test@example.com", "name": "Test User",
				"role": "reader", "active": true,
			},
			wantErrors: 0,
		},
		{
			name: "missing email",
			fields: map[string]any{
				"name": "Test User", "role": "admin", "active": "true",
			},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name: "invalid email format",
			fields: map[string]any{
				"email": "not-an-email", "name": "Test User", "role": "admin", "active": "true",
			},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name: "email with spaces rejected",
			fields: map[string]any{
				"email": "has space@example.com", "name": "N", "role": "admin", "active": "1",
			},
			wantErrors: 1,
			wantFields: []string{"email"},
		},
		{
			name: "role case-insensitive",
			fields: map[string]any{
				"email": "t@example.com", "name": "N", "role": "Manager", "active": "yes",
			},
			wantErrors: 0,
		},
		{
			name: "invalid role",
			fields: map[string]any{
				"email": "t@example.com", "name": "N", "role": "bogus-role", "active": "true",
			},
			wantErrors: 1,
			wantFields: []string{"role"},
		},
		{
			name: "active absent is invalid",
			fields: map[string]any{
				"email": "t@example.com", "name": "N", "role": "admin",
			},
			wantErrors: 1,
			wantFields: []string{"active"},
		},
		{
			name: "active accepts numeric json",
			fields: map[string]any{
				"email": "t@example.com", "name": "N", "role": "admin", "active": float64(0),
			},
			wantErrors: 0,
		},
		{
			name: "active rejects other strings",
			fields: map[string]any{
				"email": "t@example.com", "name": "N", "role": "admin", "active": "maybe",
			},
			wantErrors: 1,
			wantFields: []string{"active"},
		},
		{
			name: "invalid uuid",
			fields: map[string]any{
				"id": "nope", "email": "t@example.com", "name": "N", "role": "admin", "active": "true",
			},
			wantErrors: 1,
			wantFields: []string{"id"},
		},
		{
			name: "invalid created_at",
			fields: map[string]any{
				"email": "t@example.com", "name": "N", "role": "admin", "active": "true",
				"created_at": "01/01/2024",
			},
			wantErrors: 1,
			wantFields: []string{"created_at"},
		},
		{
			name: "multiple validation errors",
			fields: map[string]any{
				"email": "invalid", "role": "unknown", "active": "maybe",
			},
			wantErrors: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := ValidateUser(tt.fields)
			if len(errs) != tt.wantErrors {
				t.Errorf("ValidateUser() got %d errors, want %d. Errors: %v", len(errs), tt.wantErrors, errs)
			}
			set := fieldSet(errs)
			for _, f := range tt.wantFields {
				if !set[f] {
					t.Errorf("expected error on field %q, got %v", f, errs)
				}
			}
		})
	}
}

func TestValidateUserNormalization(t *testing.T) {
	user, errs := ValidateUser(map[string]any{
		"email": "  ALICE@Example.COM ", "name": "  Alice  ",
		"role": "ADMIN", "active": "1",
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", user.Email)
	}
	if user.Name != "Alice" {
		t.Errorf("name not trimmed: %q", user.Name)
	}
	if user.Role != "admin" {
		t.Errorf("role not lowered: %q", user.Role)
	}
	if !user.Active {
		t.Errorf("active not coerced from \"1\"")
	}
}

func TestValidateArticle(t *testing.T) {
	base := func(overrides map[string]any) map[string]any {
		fields := map[string]any{
			"slug": "hello-world", "title": "Hello", "body": "text",
			"author_id": validUUID, "status": "published",
			"published_at": "2024-01-01T00:00:00Z",
		}
		for k, v := range overrides {
			if v == nil {
				delete(fields, k)
			} else {
				fields[k] = v
			}
		}
		return fields
	}

	tests := []struct {
		name       string
		fields     map[string]any
		wantErrors int
		wantFields []string
	}{
		{"valid published article", base(nil), 0, nil},
		{"valid draft without published_at", base(map[string]any{"status": "draft", "published_at": nil}), 0, nil},
		{"draft with published_at rejected", base(map[string]any{"status": "draft"}), 1, []string{"published_at"}},
		{"archived allowed", base(map[string]any{"status": "archived"}), 0, nil},
		{"bad slug uppercase", base(map[string]any{"slug": "Hello-World"}), 1, []string{"slug"}},
		{"bad slug double hyphen", base(map[string]any{"slug": "hello--world"}), 1, []string{"slug"}},
		{"bad slug trailing hyphen", base(map[string]any{"slug": "hello-"}), 1, []string{"slug"}},
		{"missing title", base(map[string]any{"title": nil}), 1, []string{"title"}},
		{"title too long", base(map[string]any{"title": strings.Repeat("x", 501)}), 1, []string{"title"}},
		{"missing body", base(map[string]any{"body": nil}), 1, []string{"body"}},
		{"bad author uuid", base(map[string]any{"author_id": "123"}), 1, []string{"author_id"}},
		{"missing status", base(map[string]any{"status": nil, "published_at": nil}), 1, []string{"status"}},
		{"bad status", base(map[string]any{"status": "unpublished"}), 1, []string{"status"}},
		{"tags must be strings", base(map[string]any{"tags": []any{"go", float64(1)}}), 1, []string{"tags"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := ValidateArticle(tt.fields)
			if len(errs) != tt.wantErrors {
				t.Errorf("ValidateArticle() got %d errors, want %d. Errors: %v", len(errs), tt.wantErrors, errs)
			}
			set := fieldSet(errs)
			for _, f := range tt.wantFields {
				if !set[f] {
					t.Errorf("expected error on field %q, got %v", f, errs)
				}
			}
		})
	}
}

func TestValidateArticleTagNormalization(t *testing.T) {
	article, errs := ValidateArticle(map[string]any{
		"slug": "tagged", "title": "T", "body": "b",
		"author_id": validUUID, "status": "draft",
		"tags": []any{" Go ", "SQL", "go"},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(article.Tags) != 2 || article.Tags[0] != "go" || article.Tags[1] != "sql" {
		t.Errorf("tags not normalized/deduplicated: %v", article.Tags)
	}
}

func TestValidateComment(t *testing.T) {
	longBody := strings.Repeat("word ", 501)

	tests := []struct {
		name       string
		fields     map[string]any
		wantErrors int
		wantFields []string
	}{
		{
			name: "valid comment",
			fields: map[string]any{
				"article_id": validUUID, "user_id": validUUID, "body": "nice post",
			},
			wantErrors: 0,
		},
		{
			name: "cm_ prefix stripped",
			fields: map[string]any{
				"id":         "cm_" + validUUID,
				"article_id": validUUID, "user_id": validUUID, "body": "ok",
			},
			wantErrors: 0,
		},
		{
			name: "missing fks",
			fields: map[string]any{
				"body": "x",
			},
			wantErrors: 2,
			wantFields: []string{"article_id", "user_id"},
		},
		{
			name: "word count exceeded",
			fields: map[string]any{
				"article_id": validUUID, "user_id": validUUID, "body": longBody,
			},
			wantErrors: 1,
			wantFields: []string{"body"},
		},
		{
			name: "char count exceeded",
			fields: map[string]any{
				"article_id": validUUID, "user_id": validUUID,
				"body": strings.Repeat("x", 10001),
			},
			wantErrors: 1,
			wantFields: []string{"body"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := ValidateComment(tt.fields)
			if len(errs) != tt.wantErrors {
				t.Errorf("ValidateComment() got %d errors, want %d. Errors: %v", len(errs), tt.wantErrors, errs)
			}
			set := fieldSet(errs)
			for _, f := range tt.wantFields {
				if !set[f] {
					t.Errorf("expected error on field %q, got %v", f, errs)
				}
			}
		})
	}
}

func TestValidateCommentStripsPrefix(t *testing.T) {
	comment, errs := ValidateComment(map[string]any{
		"id":         "cm_" + validUUID,
		"article_id": validUUID, "user_id": validUUID, "body": "ok",
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if comment.ID != validUUID {
		t.Errorf("prefix not stripped: %q", comment.ID)
	}
}
