package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/robertguss/serialforge/internal/domain"
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	JobID string `json:"job_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes err with the HTTP status its error code maps to.
// Internal errors are not echoed back to the caller.
func respondError(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	body := errorBody{Error: err.Error(), Code: code}
	if code == domain.CodeInternal {
		body.Error = "internal error"
	}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		body.JobID = conflict.JobID
	}
	respondJSON(w, statusFor(code), body)
}

func statusFor(code string) int {
	switch code {
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a request body into v, rejecting unknown fields
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
