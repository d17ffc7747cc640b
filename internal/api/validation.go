package api

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rodovia/alertcore/internal/database"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return database.AlertSeverity(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		times, ok := fl.Field().Interface().([]int)
		if !ok {
			return false
		}
		return database.IntList(times).ValidateSchedule() == nil
	})
	return v
}

// Validate validates a struct using go-playground/validator tags.
// Returns nil on success or a map of field-name → error-message.
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errs := make(map[string]string, len(validationErrors))
	for _, fe := range validationErrors {
		errs[toSnakeCase(fe.Field())] = validationMessage(fe)
	}
	return errs
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "severity":
		return "must be one of: critical high medium low"
	case "schedule":
		return "must be non-negative minutes in non-decreasing order"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// toSnakeCase converts a CamelCase field name to snake_case.
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				result.WriteByte('_')
			}
			result.WriteRune(r + 'a' - 'A')
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}
