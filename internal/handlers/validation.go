package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"

	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

const maxBodyBytes = 1 << 20

var (
	// hwidShape is a transport-level check only; the configured format is
	// enforced by the HWID service. Length is bounded by the max tag.
	hwidShape = regexp.MustCompile(`^[\x21-\x7e]+$`)

	subscriptionIDShape = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Global validator instance (reused across all handlers)
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	shapes := map[string]*regexp.Regexp{
		"hwid":            hwidShape,
		"subscription_id": subscriptionIDShape,
	}
	for tag, re := range shapes {
		if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		}); err != nil {
			panic(fmt.Sprintf("register %s validation: %v", tag, err))
		}
	}
	return v
}

// validationDetails lists every failed field as "Field: message".
func validationDetails(err error) []string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		out = append(out, fe.Field()+": "+formatValidationError(fe))
	}
	return out
}

// formatValidationError converts a validator FieldError to a user-friendly message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "hexadecimal":
		return "must be hexadecimal"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "uuid":
		return "must be a valid UUID"
	case "hwid":
		return "must be a hardware id of printable characters"
	case "subscription_id":
		return "must contain only letters, digits, '-' or '_'"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// errMalformedBody marks a body that is not valid JSON for dst.
var errMalformedBody = errors.New("malformed request body")

// decodeRequest reads a bounded JSON body into dst and validates it.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errMalformedBody
	}
	return validate.Struct(dst)
}

// writeDecodeError answers a decodeRequest failure with a 400.
func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errMalformedBody) {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "validation_failed", "Request validation failed", validationDetails(err))
}

// decodeAndValidate is decodeRequest that writes the 400 itself and
// reports false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := decodeRequest(w, r, dst); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

// validPathParam checks a single URL parameter against tag.
func validPathParam(w http.ResponseWriter, name, value, tag string) bool {
	if err := validate.Var(value, tag); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid "+name)
		return false
	}
	return true
}
