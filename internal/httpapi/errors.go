package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/obs"
)

const (
	textCodeBadInput        = "IDENTITY_BAD_INPUT"
	textCodeUnauthenticated = "IDENTITY_UNAUTHENTICATED"
	textCodeForbidden       = "IDENTITY_FORBIDDEN"
	textCodeNotFound        = "IDENTITY_NOT_FOUND"
	textCodeConflict        = "IDENTITY_CONFLICT"
	textCodeRateLimited     = "IDENTITY_RATE_LIMITED"
	textCodeMethod          = "IDENTITY_METHOD_NOT_ALLOWED"
	textCodeStorage         = "IDENTITY_STORAGE_UNAVAILABLE"
	textCodeInternal        = "IDENTITY_INTERNAL_ERROR"
)

const (
	categoryBadInput = goerrors.CategoryBadInput
	categoryAuth     = goerrors.CategoryAuth
	categoryAuthz    = goerrors.CategoryAuthz
	categoryNotFound = goerrors.CategoryNotFound
	categoryConflict = goerrors.CategoryConflict
	categoryLimited  = goerrors.CategoryRateLimit
	categoryInternal = goerrors.CategoryInternal
)

type problemBody struct {
	Category string `json:"category"`
	Code     int    `json:"code"`
	TextCode string `json:"text_code"`
	Message  string `json:"message"`
}

type problemResponse struct {
	Error     problemBody `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

func newAPIError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

// toAPIError maps domain errors onto the HTTP error envelope.
func toAPIError(err error) *goerrors.Error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureEnvelope(rich)
	}
	switch {
	case errors.Is(err, auth.ErrValidation):
		return newAPIError(err.Error(), goerrors.CategoryValidation, textCodeBadInput)
	case errors.Is(err, auth.ErrAuthFailed):
		return newAPIError(err.Error(), categoryAuth, textCodeUnauthenticated)
	case errors.Is(err, auth.ErrNotFound):
		return newAPIError("resource not found", categoryNotFound, textCodeNotFound)
	case errors.Is(err, auth.ErrConflict):
		return newAPIError("resource already exists", categoryConflict, textCodeConflict)
	case errors.Is(err, auth.ErrStorage):
		return ensureEnvelope(goerrors.New("storage temporarily unavailable", categoryInternal).
			WithCode(http.StatusServiceUnavailable).
			WithTextCode(textCodeStorage))
	default:
		return newAPIError("", categoryInternal, textCodeInternal)
	}
}

func ensureEnvelope(err *goerrors.Error) *goerrors.Error {
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = textCodeInternal
	}
	if err.Category == categoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeProblem renders err as a JSON error envelope. Internal causes are
// logged and never echoed to the client.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	rid := RequestIDFromContext(r.Context())
	if apiErr.Code >= http.StatusInternalServerError {
		obs.Error("request failed", err, map[string]any{
			"request_id": rid,
			"path":       r.URL.Path,
			"text_code":  apiErr.TextCode,
		})
	}
	writeJSON(w, apiErr.Code, problemResponse{
		Error: problemBody{
			Category: fmt.Sprint(apiErr.Category),
			Code:     apiErr.Code,
			TextCode: apiErr.TextCode,
			Message:  apiErr.Message,
		},
		RequestID: rid,
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeProblem(w, r, ensureEnvelope(goerrors.New("method not allowed", categoryBadInput).
		WithCode(http.StatusMethodNotAllowed).
		WithTextCode(textCodeMethod)))
}

// decodeJSON reads a single JSON object. Body size is capped by the
// MaxBodyBytes middleware on the route.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("malformed request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
