package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kds-service/internal/catalog"
	"github.com/vasiliy-maslov/kds-service/internal/order"
)

const (
	CodeValidationFailed   = "validation_failed"
	CodeItemNotFound       = "item_not_found"
	CodeItemUnavailable    = "item_unavailable"
	CodeCatalogUnavailable = "catalog_unavailable"
	CodeNotFound           = "not_found"
	CodeStaleTransition    = "stale_transition"
	CodeIllegalTransition  = "illegal_transition"
	CodeIntegrityViolation = "integrity_violation"
	CodeInternal           = "internal_error"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details"`
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to marshal JSON response","code":"internal_error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("handler: failed to write JSON response")
	}
}

// respondWithServiceError translates domain errors into status codes and
// machine-readable codes.
func respondWithServiceError(w http.ResponseWriter, err error) {
	status, code := mapErrorToStatusCode(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		if code == CodeIntegrityViolation {
			message = "order could not be created, operator attention required"
		} else if code != CodeCatalogUnavailable {
			message = "internal server error"
		}
	}
	respondWithError(w, status, code, message)
}

func mapErrorToStatusCode(err error) (int, string) {
	var verr order.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, catalog.ErrEmptyItems),
		errors.Is(err, catalog.ErrInvalidQuantity),
		errors.Is(err, order.ErrInvalidStatus):
		return http.StatusBadRequest, CodeValidationFailed
	case errors.Is(err, catalog.ErrItemNotFound):
		return http.StatusBadRequest, CodeItemNotFound
	case errors.Is(err, catalog.ErrItemUnavailable):
		return http.StatusBadRequest, CodeItemUnavailable
	case errors.Is(err, catalog.ErrCatalogUnavailable):
		return http.StatusServiceUnavailable, CodeCatalogUnavailable
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, order.ErrStaleTransition):
		return http.StatusConflict, CodeStaleTransition
	case errors.Is(err, order.ErrIllegalTransition):
		return http.StatusConflict, CodeIllegalTransition
	case order.IsIntegrityError(err):
		return http.StatusInternalServerError, CodeIntegrityViolation
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}

		switch fe.Tag() {
		case "required", "required_if":
			details[field] = "is required"
		case "min":
			details[field] = "must be at least " + fe.Param()
		case "max":
			details[field] = "must be at most " + fe.Param()
		case "oneof":
			details[field] = "must be one of: " + fe.Param()
		default:
			details[field] = "is invalid"
		}
	}
	return details
}

// decodeAndValidate reports a response itself and returns false when the body is unusable.
// Unknown fields are rejected.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	return decodeBody(w, r, v, dst, true)
}

// decodeLenient is decodeAndValidate for bodies that may carry extra client fields.
func decodeLenient(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	return decodeBody(w, r, v, dst, false)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any, strict bool) bool {
	decoder := json.NewDecoder(r.Body)
	if strict {
		decoder.DisallowUnknownFields()
	}

	if err := decoder.Decode(dst); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode request body")
		respondWithError(w, http.StatusBadRequest, CodeValidationFailed, "invalid request payload: "+err.Error())
		return false
	}

	if err := v.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "validation failed",
				Code:    CodeValidationFailed,
				Details: formatValidationErrors(validationErrors),
			})
		} else {
			log.Error().Err(err).Type("validation_error_type", err).Msg("handler: unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, CodeInternal, "internal validation error")
		}
		return false
	}
	return true
}
