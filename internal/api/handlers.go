package api

import (
	"encoding/json"
	"net/http"

	"github.com/bookdl/corepipeline/internal/auth"
	"github.com/bookdl/corepipeline/internal/backend"
	"github.com/bookdl/corepipeline/internal/bookmanager"
	"github.com/bookdl/corepipeline/internal/config"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler holds the API handler dependencies
type Handler struct {
	config  *config.Config
	logger  *zap.Logger
	auth    *auth.Authenticator
	backend *backend.Backend
	manager bookmanager.Manager
}

// NewHandler creates a new API handler wired to a backend and catalog
// manager built by the caller (normally cmd/bookdl's entrypoint).
func NewHandler(cfg *config.Config, logger *zap.Logger, be *backend.Backend, manager bookmanager.Manager) *Handler {
	return &Handler{
		config:  cfg,
		logger:  logger,
		auth:    auth.NewAuthenticator(cfg.CWADBPath),
		backend: be,
		manager: manager,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	// Serve static files
	fileServer := http.FileServer(http.Dir("web/static"))
	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	r.Handle("/request/static/*", http.StripPrefix("/request/static/", fileServer))

	// Favicon routes
	r.Get("/favico*", h.serveFavicon)
	r.Get("/request/favico*", h.serveFavicon)
	r.Get("/request/static/favico*", h.serveFavicon)

	// Index route with authentication
	r.Get("/", h.basicAuth(h.handleIndex))
	r.Get("/request", h.basicAuth(h.handleIndex))

	registerAPIRoutes := func(r chi.Router) {
		r.Use(h.basicAuthMiddleware)

		r.Get("/search", h.handleSearch)
		r.Get("/info", h.handleInfo)
		r.Get("/download", h.handleDownload)
		r.Get("/status", h.handleStatus)
		r.Get("/localdownload", h.handleLocalDownload)
		r.Delete("/download/{book_id}/cancel", h.handleCancelDownload)
		r.Put("/queue/{book_id}/priority", h.handleSetPriority)
		r.Post("/queue/reorder", h.handleReorderQueue)
		r.Get("/queue/order", h.handleQueueOrder)
		r.Get("/downloads/active", h.handleActiveDownloads)
		r.Delete("/queue/clear", h.handleClearCompleted)

		r.Get("/duplicates", h.handleListDuplicates)
		r.Post("/duplicates/{book_id}/force", h.handleForceDuplicate)
		r.Delete("/duplicates/{book_id}", h.handleRemoveDuplicate)
		r.Get("/duplicates/groups", h.handleListDuplicateGroups)
		r.Put("/duplicates/groups/{group_id}/reviewed", h.handleSetDuplicateReviewed)
		r.Get("/ingest/file", h.handleResolveIngestFile)
	}

	// API routes with authentication
	r.Route("/api", registerAPIRoutes)

	// Register routes with /request prefix
	r.Route("/request/api", registerAPIRoutes)

	// Error handlers
	r.NotFound(h.handleNotFound)
	r.MethodNotAllowed(h.handleMethodNotAllowed)
}

// basicAuthMiddleware is a middleware for Basic Auth
func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no database is configured, skip authentication
		if h.config.CWADBPath == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Get Basic Auth credentials
		username, password, ok := r.BasicAuth()
		if !ok {
			h.requestAuth(w)
			return
		}

		// Authenticate
		authenticated, err := h.auth.Authenticate(username, password)
		if err != nil {
			h.logger.Error("Authentication error", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if !authenticated {
			h.logger.Warn("Authentication failed", zap.String("username", username))
			h.requestAuth(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// basicAuth wraps a handler with Basic Auth
func (h *Handler) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Get Basic Auth credentials
		username, password, ok := r.BasicAuth()
		if !ok {
			// If no database is configured, allow access
			if h.config.CWADBPath == "" {
				next(w, r)
				return
			}
			h.requestAuth(w)
			return
		}

		// Authenticate
		authenticated, err := h.auth.Authenticate(username, password)
		if err != nil {
			h.logger.Error("Authentication error", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if !authenticated {
			h.logger.Warn("Authentication failed", zap.String("username", username))
			h.requestAuth(w)
			return
		}

		next(w, r)
	}
}

// requestAuth requests authentication from the client
func (h *Handler) requestAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="Calibre-Web Book Downloader"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// serveFavicon serves the favicon
func (h *Handler) serveFavicon(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "web/static/favicon.ico")
}

// handleIndex serves the main page
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
	<title>Calibre-Web Book Downloader</title>
</head>
<body>
	<h1>Calibre-Web Book Downloader</h1>
	<p>API is running. Use the API endpoints to interact with the service.</p>
	<p>Build Version: ` + h.config.BuildVersion + `</p>
	<p>Release Version: ` + h.config.ReleaseVersion + `</p>
</body>
</html>`))
}

// handleNotFound handles 404 errors
func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "Not Found",
	})
}

// handleMethodNotAllowed handles 405 errors
func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "Method Not Allowed",
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON", zap.Error(err))
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
