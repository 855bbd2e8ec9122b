package api

import (
	"net/http"
	"os"

	"drawbridge/internal/collaboration"
	"drawbridge/internal/middleware"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, ws *collaboration.Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order - tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")

	api.HandleFunc("/session/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/session/{id}/elements", h.SetElements).Methods("POST")
	api.HandleFunc("/session/{id}/append", h.AppendElements).Methods("POST")
	api.HandleFunc("/session/{id}/viewport", h.SetViewport).Methods("POST")
	api.HandleFunc("/session/{id}/clear", h.Clear).Methods("POST")
	api.HandleFunc("/session/{id}/undo", h.Undo).Methods("POST")
	api.HandleFunc("/session/{id}/versions", h.Versions).Methods("GET")
	api.HandleFunc("/session/{id}/restore", h.Restore).Methods("POST")

	api.HandleFunc("/session/{id}/files", h.UploadFile).Methods("POST")
	api.HandleFunc("/files/{fileId}", h.DownloadFile).Methods("GET")

	r.HandleFunc("/ws/{sessionId}", ws.HandleConnection)

	// Serve the browser client when it has been built alongside the server.
	if _, err := os.Stat("./web/static"); err == nil {
		r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, "./web/static/index.html")
		})
		r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir("./web/static/"))))
	}

	return r
}
