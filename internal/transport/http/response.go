package httptransport

import (
	"encoding/json"
	"net/http"
	"strings"
)

type apiError struct {
	// Code is the lower-case status text, e.g. "not_found", "conflict".
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{
		Code:    strings.ReplaceAll(strings.ToLower(http.StatusText(code)), " ", "_"),
		Message: msg,
	})
}
