package app

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"madr/pkg/auth"
	"madr/pkg/domain"
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BatchDelete is the body of the author and book batch deletes.
type BatchDelete struct {
	IDs []int64 `json:"ids" validate:"required,min=1,dive,gt=0"`
}

type catalogName struct {
	Name string `json:"name" validate:"required,max=255"`
}

type bookYear struct {
	Year int `json:"year" validate:"pubyear"`
}

type newPassword struct {
	Password string `json:"password" validate:"required,password"`
}

// checker runs struct tags and turns failures into ordered FieldErrors.
type checker struct {
	v   *validator.Validate
	now func() time.Time
}

func newChecker(now func() time.Time) *checker {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	c := &checker{v: v, now: now}
	_ = v.RegisterValidation("nowhitespace", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), " \t\r\n")
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return auth.ValidatePassword(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("pubyear", func(fl validator.FieldLevel) bool {
		year := fl.Field().Int()
		return year >= 1 && year <= int64(c.now().Year())
	})
	return c
}

var queryChecker = newChecker(time.Now)

// fieldRule is the 422 type and message for one failed tag.
type fieldRule struct {
	typ string
	msg func(fe validator.FieldError, c *checker) string
}

func fixed(msg string) func(validator.FieldError, *checker) string {
	return func(validator.FieldError, *checker) string { return msg }
}

func withParam(format string) func(validator.FieldError, *checker) string {
	return func(fe validator.FieldError, _ *checker) string { return fmt.Sprintf(format, fe.Param()) }
}

// Keys are tag names, suffixed with the field kind where the wording differs.
var fieldRules = map[string]fieldRule{
	"required":     {"missing", fixed("Field required")},
	"max":          {"string_too_long", withParam("String should have at most %s characters")},
	"max/number":   {"less_than_equal", withParam("Input should be less than or equal to %s")},
	"min":          {"string_too_short", withParam("String should have at least %s character")},
	"min/slice":    {"too_short", withParam("List should have at least %s item")},
	"min/number":   {"greater_than_equal", withParam("Input should be greater than or equal to %s")},
	"gt/number":    {"greater_than", withParam("Input should be greater than %s")},
	"email":        {"value_error", fixed("value is not a valid email address")},
	"nowhitespace": {"value_error", fixed("username must not contain whitespace")},
	"password": {"value_error", func(fe validator.FieldError, _ *checker) string {
		s, _ := fe.Value().(string)
		if err := auth.ValidatePassword(s); err != nil {
			return err.Error()
		}
		return "invalid password"
	}},
	"pubyear": {"value_error", func(_ validator.FieldError, c *checker) string {
		return fmt.Sprintf("Year must be between 1 and %d", c.now().Year())
	}},
}

func kindSuffix(k reflect.Kind) string {
	switch k {
	case reflect.Slice, reflect.Array, reflect.Map:
		return "/slice"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "/number"
	}
	return ""
}

// check validates s. Element failures of a list are reported once against
// the list's own name.
func (c *checker) check(s any) error {
	err := c.v.Struct(s)
	if err == nil {
		return nil
	}
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		return fmt.Errorf("validate %T: %w", s, err)
	}
	var out violations
	seen := make(map[string]bool)
	for _, fe := range fes {
		field, _, _ := strings.Cut(fe.Field(), "[")
		rule, ok := fieldRules[fe.Tag()+kindSuffix(fe.Kind())]
		if !ok {
			rule, ok = fieldRules[fe.Tag()]
		}
		typ, msg := "value_error", "Invalid value"
		if ok {
			typ, msg = rule.typ, rule.msg(fe, c)
		}
		if key := field + "|" + typ; !seen[key] {
			seen[key] = true
			out.add(field, typ, msg)
		}
	}
	return out.err()
}

// ValidateListQuery rejects negative windows; zero limit means the default.
func ValidateListQuery(q domain.ListQuery) error {
	return queryChecker.check(q)
}

func checkIDs(ids []int64) error {
	return queryChecker.check(BatchDelete{IDs: ids})
}
