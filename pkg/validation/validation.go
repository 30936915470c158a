// Package validation checks `validate` struct tags and reports failures by their
// config or wire field names.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	ierrors "cost-insight/pkg/errors"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(fieldName)
		// regexp_when=Flag: the string must compile as a pattern when the sibling bool Flag is set.
		if err := validate.RegisterValidation("regexp_when", regexpWhen); err != nil {
			panic(err)
		}
		// guid: any textual UUID form, case-insensitive, as cloud consoles print them.
		if err := validate.RegisterValidation("guid", guid); err != nil {
			panic(err)
		}
	})
	return validate
}

// fieldName names fields by their toml, yaml or json key.
func fieldName(f reflect.StructField) string {
	for _, key := range []string{"toml", "yaml", "json"} {
		name, _, _ := strings.Cut(f.Tag.Get(key), ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return snake(f.Name)
}

func regexpWhen(fl validator.FieldLevel) bool {
	flag := fl.Parent().FieldByName(fl.Param())
	if flag.IsValid() && flag.Kind() == reflect.Bool && !flag.Bool() {
		return true
	}
	_, err := regexp.Compile("(?i)" + fl.Field().String())
	return err == nil
}

func guid(fl validator.FieldLevel) bool {
	_, err := uuid.Parse(fl.Field().String())
	return err == nil
}

// Problems returns one message per failed tag, or nil when s is valid.
func Problems(s any) []string {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, message(fe))
	}
	return out
}

// Struct validates s and wraps any failures in a configuration error.
func Struct(s any, code, prefix string) error {
	problems := Problems(s)
	if len(problems) == 0 {
		return nil
	}
	return ierrors.NewConfigurationError(code, prefix+strings.Join(problems, "; "))
}

func message(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s %q must be one of: %s", field, fmt.Sprint(fe.Value()), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min", "gte":
		if k := fe.Kind(); k == reflect.Slice || k == reflect.Map {
			if fe.Param() == "1" {
				return field + " must not be empty"
			}
			return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s %v must be at least %s", field, fe.Value(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s %v must be at most %s", field, fe.Value(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s %v must be greater than %s", field, fe.Value(), fe.Param())
	case "lt":
		return fmt.Sprintf("%s %v must be less than %s", field, fe.Value(), fe.Param())
	case "gtfield":
		return fmt.Sprintf("%s %v must be above %s", field, fe.Value(), snake(fe.Param()))
	case "gtefield":
		return fmt.Sprintf("%s %v must be at least %s", field, fe.Value(), snake(fe.Param()))
	case "ltefield":
		return fmt.Sprintf("%s %v must not exceed %s", field, fe.Value(), snake(fe.Param()))
	case "datetime":
		return fmt.Sprintf("%s %q must be a date like %s", field, fmt.Sprint(fe.Value()), fe.Param())
	case "url":
		return fmt.Sprintf("%s %q must be an absolute URL", field, fmt.Sprint(fe.Value()))
	case "guid":
		return fmt.Sprintf("%s %q is not a GUID", field, fmt.Sprint(fe.Value()))
	case "regexp_when":
		return fmt.Sprintf("%s %q is not a valid regular expression", field, fmt.Sprint(fe.Value()))
	default:
		return field + " is invalid"
	}
}

// snake turns a Go field name like BaselineWindow or TenantID into baseline_window or tenant_id.
func snake(name string) string {
	rs := []rune(name)
	var b strings.Builder
	for i, r := range rs {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(rs[i-1]) || (i+1 < len(rs) && unicode.IsLower(rs[i+1]) && unicode.IsUpper(rs[i-1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
