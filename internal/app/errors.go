package app

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an application error for transport mapping.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindUnauthenticated
	KindForbidden
	KindNotFound
)

// Error is a user-facing failure. Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	// ErrInvalidCredentials is returned for unknown emails and wrong passwords
	// alike so sign-in cannot be used to enumerate accounts.
	ErrInvalidCredentials = &Error{KindBadRequest, "invalid_credentials", "Incorrect email or password."}
	ErrUnauthenticated    = &Error{KindUnauthenticated, "unauthenticated", "Could not validate credentials."}
	ErrForbidden          = &Error{KindForbidden, "forbidden", "Insufficient permissions."}

	ErrUsernameExists = &Error{KindBadRequest, "username_exists", "Username already exists."}
	ErrEmailExists    = &Error{KindBadRequest, "email_exists", "Email already exists."}
	ErrUserNotFound   = &Error{KindNotFound, "user_not_found", "User not found."}
	ErrSelfDelete     = &Error{KindForbidden, "self_delete", "Super users are not allowed to delete themselves"}

	ErrVerifyMismatch         = &Error{KindForbidden, "verify_mismatch", "Could not validate account"}
	ErrPasswordChangeMismatch = &Error{KindForbidden, "password_change_mismatch", "Could not proceed with password change."}
	ErrPasswordsDoNotMatch    = &Error{KindBadRequest, "password_mismatch", "Passwords do not match."}

	ErrAuthorNotFound = &Error{KindNotFound, "author_not_found", "Author not found in MADR."}
	ErrBookNotFound   = &Error{KindNotFound, "book_not_found", "Book not found in MADR."}
)

func alreadyInMADR(name string) *Error {
	return &Error{KindBadRequest, "duplicate", fmt.Sprintf("%s already in MADR.", name)}
}

func authorMissing(id int64) *Error {
	return &Error{KindBadRequest, "author_missing", fmt.Sprintf("Author with ID %d not found.", id)}
}

func idsNotFound(resource string, ids []int64) *Error {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return &Error{KindNotFound, strings.ToLower(resource) + "_not_found",
		fmt.Sprintf("%s not found in MADR: %s.", resource, strings.Join(parts, ", "))}
}

// FieldError is one violated constraint on a named input field.
type FieldError struct {
	Field string
	Msg   string
	Type  string
}

// ValidationError lists field violations in the order they were found.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Msg
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type violations []FieldError

func (v *violations) add(field, typ, msg string) {
	*v = append(*v, FieldError{Field: field, Msg: msg, Type: typ})
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Fields: v}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
