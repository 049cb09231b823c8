package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

const maxRequestBody = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// WriteError writes the JSON error envelope used by every route.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, code, message)
}

type decodeMode int

const (
	strictFields decodeMode = iota
	// lenientFields tolerates extra keys from external senders such as
	// instance callbacks.
	lenientFields
)

// decodeJSON reads a single bounded JSON document into dest.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any, mode decodeMode) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if mode == strictFields {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON document")
	}
	return nil
}
