package router

import (
	"embed"
	"net/http"
)

//go:embed assets/openapi.json assets/docs.html
var assetsFS embed.FS

func (s *Server) openAPI(w http.ResponseWriter, r *http.Request) {
	data, err := assetsFS.ReadFile("assets/openapi.json")
	if err != nil {
		serverError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) swaggerUI(w http.ResponseWriter, r *http.Request) {
	data, err := assetsFS.ReadFile("assets/docs.html")
	if err != nil {
		serverError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}
