package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/halverson/courier/pkg/errors"
)

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError maps structured error codes onto HTTP statuses and sends
// a JSON error body.
func respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	code := apperrors.GetCode(err)
	w.WriteHeader(statusForCode(code))

	response := struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}{
		Error: err.Error(),
		Code:  string(code),
	}
	_ = json.NewEncoder(w).Encode(response)
}

func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeResourceNotFound, apperrors.ErrCodeJobNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeResourceBusy, apperrors.ErrCodeInvalidStateTransition, apperrors.ErrCodeResourceNotLoaded:
		return http.StatusConflict
	case apperrors.ErrCodeResourceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid request body")
	}
	return nil
}
