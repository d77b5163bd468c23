package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bulk-jobs-api/internal/models"
	"github.com/google/uuid"
)

var (
	emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	slugRegex  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

// FieldError reports a single failed rule for one record
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// ValidateUser checks and normalizes one decoded user record.
// The returned user is only meaningful when the error list is empty.
func ValidateUser(fields map[string]any) (*models.User, []FieldError) {
	var errs []FieldError
	user := &models.User{}

	// ID (optional)
	if id, ok := stringValue(fields, "id"); ok && id != "" {
		if !isValidUUID(id) {
			errs = append(errs, FieldError{Field: "id", Message: "invalid UUID format", Value: id})
		} else {
			user.ID = id
		}
	}

	// Email
	email, _ := stringValue(fields, "email")
	email = strings.ToLower(email)
	if email == "" {
		errs = append(errs, FieldError{Field: "email", Message: "email is required"})
	} else if len(email) > models.MaxEmailLength {
		errs = append(errs, FieldError{Field: "email", Message: fmt.Sprintf("email exceeds %d characters", models.MaxEmailLength), Value: email})
	} else if !emailRegex.MatchString(email) {
		errs = append(errs, FieldError{Field: "email", Message: "invalid email format", Value: email})
	} else {
		user.Email = email
	}

	// Name
	name, _ := stringValue(fields, "name")
	if name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "name is required"})
	} else if len(name) > models.MaxNameLength {
		errs = append(errs, FieldError{Field: "name", Message: fmt.Sprintf("name exceeds %d characters", models.MaxNameLength), Value: name})
	} else {
		user.Name = name
	}

	// Role
	role, _ := stringValue(fields, "role")
	role = strings.ToLower(role)
	if role == "" {
		errs = append(errs, FieldError{Field: "role", Message: "role is required"})
	} else if !models.ValidRoles[role] {
		errs = append(errs, FieldError{
			Field:   "role",
			Message: "invalid role, must be one of: admin, manager, author, editor, reader",
			Value:   rawString(fields, "role"),
		})
	} else {
		user.Role = role
	}

	// Active: no default, absence is invalid
	active, present, ok := boolValue(fields, "active")
	if !present {
		errs = append(errs, FieldError{Field: "active", Message: "active is required"})
	} else if !ok {
		errs = append(errs, FieldError{Field: "active", Message: "active must be a boolean", Value: rawString(fields, "active")})
	} else {
		user.Active = active
	}

	// Timestamps (optional)
	if t, present, ok := timeValue(fields, "created_at"); present {
		if !ok {
			errs = append(errs, FieldError{Field: "created_at", Message: "invalid ISO 8601 date format", Value: rawString(fields, "created_at")})
		} else {
			user.CreatedAt = t
		}
	}
	if t, present, ok := timeValue(fields, "updated_at"); present {
		if !ok {
			errs = append(errs, FieldError{Field: "updated_at", Message: "invalid ISO 8601 date format", Value: rawString(fields, "updated_at")})
		} else {
			user.UpdatedAt = t
		}
	}

	return user, errs
}

// ValidateArticle checks and normalizes one decoded article record.
func ValidateArticle(fields map[string]any) (*models.Article, []FieldError) {
	var errs []FieldError
	article := &models.Article{}

	// ID (optional)
	if id, ok := stringValue(fields, "id"); ok && id != "" {
		if !isValidUUID(id) {
			errs = append(errs, FieldError{Field: "id", Message: "invalid UUID format", Value: id})
		} else {
			article.ID = id
		}
	}

	// Slug
	slug, _ := stringValue(fields, "slug")
	if slug == "" {
		errs = append(errs, FieldError{Field: "slug", Message: "slug is required"})
	} else if !slugRegex.MatchString(slug) {
		errs = append(errs, FieldError{Field: "slug", Message: "slug must be kebab-case (lowercase letters, numbers, hyphens)", Value: slug})
	} else {
		article.Slug = slug
	}

	// Title
	title, _ := stringValue(fields, "title")
	if title == "" {
		errs = append(errs, FieldError{Field: "title", Message: "title is required"})
	} else if len(title) > models.MaxTitleLength {
		errs = append(errs, FieldError{Field: "title", Message: fmt.Sprintf("title exceeds %d characters", models.MaxTitleLength), Value: title})
	} else {
		article.Title = title
	}

	// Body
	body, ok := stringValue(fields, "body")
	if !ok || body == "" {
		errs = append(errs, FieldError{Field: "body", Message: "body is required"})
	} else {
		article.Body = body
	}

	// Author (FK shape only; existence is checked at upsert time)
	authorID, _ := stringValue(fields, "author_id")
	if authorID == "" {
		errs = append(errs, FieldError{Field: "author_id", Message: "author_id is required"})
	} else if !isValidUUID(authorID) {
		errs = append(errs, FieldError{Field: "author_id", Message: "invalid UUID format", Value: authorID})
	} else {
		article.AuthorID = authorID
	}

	// Tags (optional): lowercased, trimmed, deduplicated
	if tags, present, ok := stringSliceValue(fields, "tags"); present {
		if !ok {
			errs = append(errs, FieldError{Field: "tags", Message: "tags must be a list of strings", Value: rawString(fields, "tags")})
		} else {
			seen := make(map[string]bool, len(tags))
			normalized := make([]string, 0, len(tags))
			for _, tag := range tags {
				tag = strings.ToLower(strings.TrimSpace(tag))
				if tag == "" {
					errs = append(errs, FieldError{Field: "tags", Message: "tags must not contain empty strings"})
					continue
				}
				if seen[tag] {
					continue
				}
				seen[tag] = true
				normalized = append(normalized, tag)
			}
			article.Tags = normalized
		}
	}

	// Status
	status, _ := stringValue(fields, "status")
	status = strings.ToLower(status)
	if status == "" {
		errs = append(errs, FieldError{Field: "status", Message: "status is required"})
	} else if !models.ValidStatuses[status] {
		errs = append(errs, FieldError{
			Field:   "status",
			Message: "invalid status, must be one of: draft, published, archived",
			Value:   rawString(fields, "status"),
		})
	} else {
		article.Status = status
	}

	// published_at: valid ISO 8601 when present, forbidden for drafts
	if t, present, ok := timeValue(fields, "published_at"); present {
		if !ok {
			errs = append(errs, FieldError{Field: "published_at", Message: "invalid ISO 8601 date format", Value: rawString(fields, "published_at")})
		} else if status == "draft" {
			errs = append(errs, FieldError{Field: "published_at", Message: "draft articles must not have published_at"})
		} else {
			article.PublishedAt = &t
		}
	}

	// Timestamps (optional)
	if t, present, ok := timeValue(fields, "created_at"); present {
		if !ok {
			errs = append(errs, FieldError{Field: "created_at", Message: "invalid ISO 8601 date format", Value: rawString(fields, "created_at")})
		} else {
			article.CreatedAt = t
		}
	}
	if t, present, ok := timeValue(fields, "updated_at"); present {
		if !ok {
			errs = append(errs, FieldError{Field: "updated_at", Message: "invalid ISO 8601 date format", Value: rawString(fields, "updated_at")})
		} else {
			article.UpdatedAt = t
		}
	}

	return article, errs
}

// ValidateComment checks and normalizes one decoded comment record.
func ValidateComment(fields map[string]any) (*models.Comment, []FieldError) {
	var errs []FieldError
	comment := &models.Comment{}

	// ID (optional): UUID, "cm_" prefix stripped before use
	if id, ok := stringValue(fields, "id"); ok && id != "" {
		id = strings.TrimPrefix(id, "cm_")
		if !isValidUUID(id) {
			errs = append(errs, FieldError{Field: "id", Message: "invalid UUID format", Value: rawString(fields, "id")})
		} else {
			comment.ID = id
		}
	}

	// article_id (FK shape only)
	articleID, _ := stringValue(fields, "article_id")
	if articleID == "" {
		errs = append(errs, FieldError{Field: "article_id", Message: "article_id is required"})
	} else if !isValidUUID(articleID) {
		errs = append(errs, FieldError{Field: "article_id", Message: "invalid UUID format", Value: articleID})
	} else {
		comment.ArticleID = articleID
	}

	// user_id (FK shape only)
	userID, _ := stringValue(fields, "user_id")
	if userID == "" {
		errs = append(errs, FieldError{Field: "user_id", Message: "user_id is required"})
	} else if !isValidUUID(userID) {
		errs = append(errs, FieldError{Field: "user_id", Message: "invalid UUID format", Value: userID})
	} else {
		comment.UserID = userID
	}

	// Body
	body, ok := stringValue(fields, "body")
	if !ok || body == "" {
		errs = append(errs, FieldError{Field: "body", Message: "body is required"})
	} else if len(body) > models.MaxCommentChars {
		errs = append(errs, FieldError{
			Field:   "body",
			Message: fmt.Sprintf("body exceeds maximum of %d characters", models.MaxCommentChars),
		})
	} else if words := len(strings.Fields(body)); words > models.MaxCommentWords {
		errs = append(errs, FieldError{
			Field:   "body",
			Message: fmt.Sprintf("body exceeds maximum of %d words (has %d)", models.MaxCommentWords, words),
		})
	} else {
		comment.Body = body
	}

	// created_at (optional)
	if t, present, ok := timeValue(fields, "created_at"); present {
		if !ok {
			errs = append(errs, FieldError{Field: "created_at", Message: "invalid ISO 8601 date format", Value: rawString(fields, "created_at")})
		} else {
			comment.CreatedAt = t
		}
	}

	return comment, errs
}

// isValidUUID checks if a string is a valid version-4 UUID
func isValidUUID(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && u.Version() == 4
}
