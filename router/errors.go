package router

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError responds with the spec's error envelope: {"message": "..."}.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

func notFound(w http.ResponseWriter, msg string)     { writeError(w, http.StatusNotFound, msg) }
func serverError(w http.ResponseWriter, msg string)  { writeError(w, http.StatusInternalServerError, msg) }
func badRequest(w http.ResponseWriter, msg string)   { writeError(w, http.StatusBadRequest, msg) }
