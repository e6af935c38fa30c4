package ipc

import (
	"context"
	"net/http"
)

// Server wraps an HTTP server with engine-specific routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	mux := http.NewServeMux()

	// Health endpoint.
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Session lifecycle.
	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("POST /api/v1/session", h.CreateSession)
	mux.HandleFunc("GET /api/v1/session/{sessionID}", h.GetSession)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/analyze", h.Analyze)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/persona", h.SetPersona)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/answer", h.SubmitAnswer)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/skip", h.SkipQuestion)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/generate", h.Generate)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/feedback", h.SubmitFeedback)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/accept", h.Accept)

	// Output endpoints.
	mux.HandleFunc("GET /api/v1/session/{sessionID}/export", h.Export)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/export/file", h.ExportFile)
	mux.HandleFunc("POST /api/v1/session/{sessionID}/publish", h.Publish)

	// Event endpoints.
	mux.HandleFunc("GET /api/v1/session/{sessionID}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/session/{sessionID}/events/stream", h.StreamEvents)

	// Tracker endpoint.
	mux.HandleFunc("GET /api/v1/projects", h.ListProjects)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(mux),
	}

	return &Server{
		httpServer: srv,
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for local UI access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
