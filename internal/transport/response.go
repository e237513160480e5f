// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the claims API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/observability"
	"github.com/pitabwire/claimflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrInvalidInput:       http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrIllegalTransition:  http.StatusConflict,
	model.ErrInvalidState:       http.StatusConflict,
	model.ErrPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrPreconditionFailed: http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrStorageUnavailable: http.StatusServiceUnavailable,
}

// StatusFor returns the HTTP status code for an error envelope code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that are not envelopes become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// writeFailure logs err at a level matching its status and writes the
// envelope. Client errors are warnings, everything else is an error.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *zap.Logger, msg string, err error) {
	status := StatusFor(model.CodeOf(err))
	log := observability.RequestLogger(r.Context(), logger)
	if status >= http.StatusInternalServerError {
		log.Error(msg, zap.Error(err), zap.Int("status", status))
	} else {
		log.Warn(msg, zap.Error(err), zap.Int("status", status))
	}
	WriteError(w, err)
}

// writeStoreFailure is writeFailure for collaborator stores: envelopes pass
// through and anything else is reported as STORAGE_UNAVAILABLE.
func writeStoreFailure(w http.ResponseWriter, r *http.Request, logger *zap.Logger, msg string, err error) {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		writeFailure(w, r, logger, msg, ee)
		return
	}
	observability.RequestLogger(r.Context(), logger).Error(msg, zap.Error(err))
	WriteError(w, model.NewStorageUnavailableError())
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// decodeJSON decodes a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt reads a positive integer query parameter, returning def when it
// is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, model.NewInvalidInputError(
			name+" must be a positive integer",
			model.FieldError{Field: name, Code: model.FieldOutOfRange, Message: "Must be a positive integer"},
		)
	}
	return n, nil
}

// queryPage reads the page query parameter, refusing values past model.MaxPage.
func queryPage(r *http.Request) (int, error) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		return 0, err
	}
	if page > model.MaxPage {
		return 0, model.NewInvalidInputError(
			"page must not exceed "+strconv.Itoa(model.MaxPage),
			model.FieldError{Field: "page", Code: model.FieldOutOfRange, Message: "Page number is too large"},
		)
	}
	return page, nil
}
