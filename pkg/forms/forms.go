// Package forms holds the client-side constraints checked before a request is
// sent to the API.
package forms

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// FieldError is a violated constraint on one form field.
type FieldError struct {
	Field   string
	Message string
}

// Errors lists violations in field declaration order.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Get returns the first message for field, or "".
func (e Errors) Get(field string) string {
	for _, fe := range e {
		if fe.Field == field {
			return fe.Message
		}
	}
	return ""
}

// Err returns nil when there are no violations.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

type nowKey struct{}

var checker = newChecker()

func newChecker() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("form")
	})
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	_ = v.RegisterValidationCtx("notfuture", func(ctx context.Context, fl validator.FieldLevel) bool {
		now, ok := ctx.Value(nowKey{}).(time.Time)
		return !ok || fl.Field().Int() <= int64(now.Year())
	})
	return v
}

// messages maps "field.tag" to the text shown under the field; a bare
// "field" key covers every other tag of that field.
type messages map[string]string

func (m messages) lookup(field, tag string) string {
	if msg, ok := m[field+"."+tag]; ok {
		return msg
	}
	return m[field]
}

// check runs the form's validate tags. A field reports only its first
// failing tag.
func check(ctx context.Context, form any, msgs messages) Errors {
	err := checker.StructCtx(ctx, form)
	if err == nil {
		return nil
	}
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		return Errors{{Field: "", Message: err.Error()}}
	}
	errs := make(Errors, 0, len(fes))
	for _, fe := range fes {
		errs = append(errs, FieldError{Field: fe.Field(), Message: msgs.lookup(fe.Field(), fe.Tag())})
	}
	return errs
}

// AuthorForm creates an author.
type AuthorForm struct {
	Name string `form:"name" validate:"notblank,max=50"`
}

var authorMessages = messages{
	"name.notblank": "Name is required",
	"name.max":      "Name cannot exceed 50 characters",
}

func (f AuthorForm) Validate() Errors {
	return check(context.Background(), f, authorMessages)
}

// BookForm creates a book. AuthorIDs mirrors a multi-select where exactly
// one author must be picked.
type BookForm struct {
	Title     string  `form:"title" validate:"notblank,max=50"`
	Year      int     `form:"year" validate:"required,gte=1,notfuture"`
	AuthorIDs []int64 `form:"authorList" validate:"min=1,max=1"`
}

// Validate checks the form against now's calendar year.
func (f BookForm) Validate(now time.Time) Errors {
	msgs := messages{
		"title.notblank": "Name is required",
		"title.max":      "Name cannot exceed 50 characters",
		"year.required":  "Year is required",
		"year":           fmt.Sprintf("Year must be between 1 and %d", now.Year()),
		"authorList.min": "Author is required",
		"authorList.max": "Select exactly one author",
	}
	return check(context.WithValue(context.Background(), nowKey{}, now), f, msgs)
}

// AuthorID is the single selected author. Call after Validate.
func (f BookForm) AuthorID() int64 {
	if len(f.AuthorIDs) == 0 {
		return 0
	}
	return f.AuthorIDs[0]
}

type SignUpForm struct {
	Username string `form:"username" validate:"notblank,max=20"`
	Email    string `form:"email" validate:"notblank,max=30,email"`
	Password string `form:"password" validate:"notblank"`
}

var signUpMessages = messages{
	"username.notblank": "Username is required",
	"username.max":      "Name cannot exceed 20 characters",
	"email.notblank":    "Email is required",
	"email.max":         "Email cannot exceed 30 characters",
	"email.email":       "Email is invalid",
	"password.notblank": "Password is required",
}

func (f SignUpForm) Validate() Errors {
	return check(context.Background(), f, signUpMessages)
}

type SignInForm struct {
	Email    string `form:"email" validate:"notblank"`
	Password string `form:"password" validate:"notblank"`
}

var signInMessages = messages{
	"email":    "Email is required",
	"password": "Password is required",
}

func (f SignInForm) Validate() Errors {
	return check(context.Background(), f, signInMessages)
}
