// Package validation checks HTTP request bodies and identifiers before they
// reach the dispatcher.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
		_, err := models.ParsePlatform(fl.Field().String())
		return err == nil
	})
	return v
}

// Struct validates the `validate` tags of v and returns the first failure as
// a validation error naming the JSON field.
func Struct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "request cannot be validated")
	}
	fe := fieldErrs[0]
	return apperrors.NewValidationError(fe.Field(), "", describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "platform":
		return fmt.Sprintf("%s must be Facebook, Instagram or WhatsApp", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// ValidatePhoneNumber checks an international number with or without the
// leading +
func ValidatePhoneNumber(phone string) error {
	if problem := phoneProblem(phone); problem != "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, problem)
	}
	return nil
}

// ValidateE164 requires the + prefix WhatsApp recipients must carry
func ValidateE164(phone string) error {
	if !strings.HasPrefix(phone, "+") {
		return apperrors.NewValidationError("recipient", "",
			"WhatsApp recipients must include the country code with a + prefix")
	}
	if problem := phoneProblem(phone); problem != "" {
		return apperrors.NewValidationError("recipient", "", problem)
	}
	return nil
}

func phoneProblem(phone string) string {
	if phone == "" {
		return "phone number cannot be empty"
	}
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < constants.MinPhoneNumberLength {
		return fmt.Sprintf("phone number must be at least %d digits", constants.MinPhoneNumberLength)
	}
	if len(digits) > constants.MaxPhoneNumberLength {
		return fmt.Sprintf("phone number too long (max %d digits)", constants.MaxPhoneNumberLength)
	}
	for _, char := range digits {
		if !unicode.IsDigit(char) {
			return "phone number must contain only digits"
		}
	}
	return ""
}

// ValidateID checks identifiers taken from URLs and webhook payloads
func ValidateID(field, id string) error {
	if id == "" {
		return apperrors.NewValidationError(field, "", field+" cannot be empty")
	}
	if len(id) > constants.MaxMessageIDLength {
		return apperrors.NewValidationError(field, "",
			fmt.Sprintf("%s too long (max %d characters)", field, constants.MaxMessageIDLength))
	}
	for _, char := range id {
		if unicode.IsControl(char) || char == '/' {
			return apperrors.NewValidationError(field, "", field+" contains invalid characters")
		}
	}
	return nil
}
