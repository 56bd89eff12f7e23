package store

import (
	"context"
	"errors"
	"time"

	"madr/pkg/domain"
)

var (
	// ErrDuplicate is returned when a unique column (username, email, author
	// name, book title) already holds the value.
	ErrDuplicate = errors.New("duplicate value")
	// ErrNotFound is returned by updates that match no row.
	ErrNotFound = errors.New("record not found")
)

// BookFilter narrows a book listing. Year 0 means any year.
type BookFilter struct {
	domain.ListQuery
	Year int
}

// Store defines persistence operations for users, authors and books.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	UpdateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByID(ctx context.Context, id int64) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	FindUserConflict(ctx context.Context, username, email string, excludeID int64) (domain.User, bool, error)
	ListUsers(ctx context.Context, q domain.ListQuery) (domain.Page[domain.User], error)
	DeleteUser(ctx context.Context, id int64) error

	// authors
	CreateAuthor(ctx context.Context, name string) (domain.Author, error)
	GetAuthor(ctx context.Context, id int64) (domain.Author, bool, error)
	GetAuthorByName(ctx context.Context, name string) (domain.Author, bool, error)
	RenameAuthor(ctx context.Context, id int64, name string) (domain.Author, error)
	ListAuthors(ctx context.Context, q domain.ListQuery) (domain.Page[domain.Author], error)
	// DeleteAuthors removes all ids and their books, or nothing when any id
	// is unknown; the unknown ids are returned.
	DeleteAuthors(ctx context.Context, ids []int64) ([]int64, error)

	// books
	CreateBook(ctx context.Context, b domain.Book) (domain.Book, error)
	GetBook(ctx context.Context, id int64) (domain.Book, bool, error)
	GetBookByTitle(ctx context.Context, title string) (domain.Book, bool, error)
	SetBookYear(ctx context.Context, id int64, year int) (domain.Book, error)
	ListBooks(ctx context.Context, f BookFilter) (domain.Page[domain.Book], error)
	DeleteBooks(ctx context.Context, ids []int64) ([]int64, error)
}

// SessionStore issues and validates bearer tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user up to a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}
