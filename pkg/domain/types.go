package domain

import (
	"strings"
	"time"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	PasswordHash string    `json:"-"`
	IsSuperuser  bool      `json:"is_superuser"`
	IsActive     bool      `json:"is_active"`
	IsVerified   bool      `json:"is_verified"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Author struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Book is the public book record. Author carries the author's name and is
// filled on reads only.
type Book struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Year     int    `json:"year"`
	AuthorID int64  `json:"author_id"`
	Author   string `json:"author,omitempty"`
}

// ListQuery is the limit/offset window plus an optional contains-match filter.
type ListQuery struct {
	Limit  int    `json:"limit" validate:"min=0"`
	Offset int    `json:"offset" validate:"min=0"`
	Search string `json:"search"`
}

// Normalize applies the default limit and caps it.
func (q ListQuery) Normalize() ListQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.Search = NormalizeName(q.Search)
	return q
}

// Page is one window of a list plus the unpaged total.
type Page[T any] struct {
	Items        []T `json:"items"`
	TotalResults int `json:"total_results"`
}

// NormalizeName lower-cases, trims and collapses inner whitespace. Author
// names and book titles are stored in this form.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// PageOffset converts a 1-based page number into a row offset.
func PageOffset(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}

// PageCount returns the number of pages for total rows, at least 1.
func PageCount(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}
