package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agilityfleet/conectl/internal/store"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFail writes the error envelope the UI keys on: success false
// plus the error text.
func writeFail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

// writeError maps store sentinel errors to status codes; everything else
// is a 400 with the error text.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeFail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyExists):
		writeFail(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeFail(w, http.StatusConflict, err.Error())
	default:
		writeFail(w, http.StatusBadRequest, err.Error())
	}
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
