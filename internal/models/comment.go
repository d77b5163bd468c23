package models

import (
	"time"
)

// Comment represents a comment on an article
type Comment struct {
	ID        string    `json:"id" db:"id"`
	ArticleID string    `json:"article_id" db:"article_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MaxCommentWords is the maximum allowed words in a comment body
const MaxCommentWords = 500

// MaxCommentChars is the maximum allowed characters in a comment body
const MaxCommentChars = 10000
