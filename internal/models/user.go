package models

import (
	"time"
)

// User represents a user in the system
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Role      string    `json:"role" db:"role"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ValidRoles defines allowed user roles
var ValidRoles = map[string]bool{
	"admin":   true,
	"manager": true,
	"author":  true,
	"editor":  true,
	"reader":  true,
}

// MaxEmailLength bounds the email column
const MaxEmailLength = 255

// MaxNameLength bounds the name column
const MaxNameLength = 255
