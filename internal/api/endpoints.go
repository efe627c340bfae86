package api

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/bookdl/corepipeline/internal/models"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleSearch handles book search requests
// GET /api/search
func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := query.Get("query")

	filters := models.SearchFilters{}
	if isbn := query["isbn"]; len(isbn) > 0 {
		filters.ISBN = isbn
	}
	if author := query["author"]; len(author) > 0 {
		filters.Author = author
	}
	if title := query["title"]; len(title) > 0 {
		filters.Title = title
	}
	if lang := query["lang"]; len(lang) > 0 {
		filters.Lang = lang
	}
	if sort := query.Get("sort"); sort != "" {
		filters.Sort = &sort
	}
	if content := query["content"]; len(content) > 0 {
		filters.Content = content
	}
	if format := query["format"]; len(format) > 0 {
		filters.Format = format
	}

	h.logger.Info("search request", zap.String("query", q), zap.Any("filters", filters))

	results, err := h.manager.SearchBooks(r.Context(), q, filters)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"results": results,
	})
}

// handleInfo handles book info requests
// GET /api/info?id=<book_id>
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	bookID := r.URL.Query().Get("id")
	if bookID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing book ID")
		return
	}

	h.logger.Info("info request", zap.String("book_id", bookID))

	info, err := h.manager.GetBookInfo(r.Context(), bookID)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"book":   info,
	})
}

// handleDownload handles download requests
// GET /api/download?id=<book_id>&priority=<priority>
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	bookID := r.URL.Query().Get("id")
	if bookID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing book ID")
		return
	}

	priority := 0
	if p := r.URL.Query().Get("priority"); p != "" {
		var err error
		priority, err = strconv.Atoi(p)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid priority value")
			return
		}
	}

	h.logger.Info("download request",
		zap.String("book_id", bookID),
		zap.Int("priority", priority))

	info, err := h.manager.GetBookInfo(r.Context(), bookID)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	dup, err := h.backend.QueueBook(bookID, info, priority)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dup != nil {
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status":    "duplicate",
			"book_id":   bookID,
			"duplicate": dup,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"message":  "Download queued",
		"book_id":  bookID,
		"priority": priority,
	})
}

// handleStatus handles status requests
// GET /api/status
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.backend.GetQueueStatus()

	h.logger.Info("status request")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "success",
		"queue_status": status,
	})
}

// handleLocalDownload handles local file download
// GET /api/localdownload?id=<book_id>
func (h *Handler) handleLocalDownload(w http.ResponseWriter, r *http.Request) {
	bookID := r.URL.Query().Get("id")
	if bookID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing book ID")
		return
	}

	h.logger.Info("local download request", zap.String("book_id", bookID))

	data, book, err := h.backend.GetBookData(bookID)
	if err != nil {
		h.logger.Error("failed to get book data",
			zap.String("book_id", bookID),
			zap.Error(err))
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	filename := book.Title
	if book.Format != nil && *book.Format != "" {
		filename = filename + "." + *book.Format
	}

	escapedFilename := mime.QEncoding.Encode("utf-8", filename)
	w.Header().Set("Content-Disposition", "attachment; filename*=utf-8''"+escapedFilename)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))

	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleCancelDownload handles download cancellation
// DELETE /api/download/{book_id}/cancel
func (h *Handler) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "book_id")
	if bookID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing book ID")
		return
	}

	h.logger.Info("cancel download request", zap.String("book_id", bookID))

	success := h.backend.CancelDownload(r.Context(), bookID)

	if success {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"message": "Download cancelled",
			"book_id": bookID,
		})
	} else {
		h.writeError(w, http.StatusNotFound, "Book not found or cannot be cancelled")
	}
}

// handleSetPriority handles priority update requests
// PUT /api/queue/{book_id}/priority
func (h *Handler) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "book_id")
	if bookID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing book ID")
		return
	}

	var req struct {
		Priority int `json:"priority"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	h.logger.Info("set priority request",
		zap.String("book_id", bookID),
		zap.Int("priority", req.Priority))

	success := h.backend.SetBookPriority(bookID, req.Priority)

	if success {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "success",
			"message":  "Priority updated",
			"book_id":  bookID,
			"priority": req.Priority,
		})
	} else {
		h.writeError(w, http.StatusNotFound, "Book not found or cannot update priority")
	}
}

// handleReorderQueue handles bulk queue reordering
// POST /api/queue/reorder
func (h *Handler) handleReorderQueue(w http.ResponseWriter, r *http.Request) {
	var req map[string]int

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	h.logger.Info("reorder queue request", zap.Int("count", len(req)))

	success := h.backend.ReorderQueue(req)

	if success {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"message": "Queue reordered",
		})
	} else {
		h.writeError(w, http.StatusInternalServerError, "Failed to reorder queue")
	}
}

// handleQueueOrder handles queue order requests
// GET /api/queue/order
func (h *Handler) handleQueueOrder(w http.ResponseWriter, r *http.Request) {
	order := h.backend.GetQueueOrder()

	h.logger.Info("queue order request")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"queue":  order,
	})
}

// handleActiveDownloads handles active downloads list
// GET /api/downloads/active
func (h *Handler) handleActiveDownloads(w http.ResponseWriter, r *http.Request) {
	activeDownloads := h.backend.GetActiveDownloads()

	h.logger.Info("active downloads request")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"active_downloads": activeDownloads,
	})
}

// handleClearCompleted handles clearing completed downloads
// DELETE /api/queue/clear
func (h *Handler) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	count := h.backend.ClearCompleted()

	h.logger.Info("clear completed request", zap.Int("cleared", count))

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Completed items cleared",
		"count":   count,
	})
}

// handleListDuplicates lists rejected duplicate enqueues
// GET /api/duplicates
func (h *Handler) handleListDuplicates(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"duplicates": h.backend.ListDuplicates(),
	})
}

// handleForceDuplicate enqueues a previously rejected duplicate anyway
// POST /api/duplicates/{book_id}/force
func (h *Handler) handleForceDuplicate(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "book_id")
	forced, err := h.backend.ForceDuplicate(bookID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !forced {
		h.writeError(w, http.StatusNotFound, "no duplicate recorded for this book")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Duplicate forced into queue",
		"book_id": bookID,
	})
}

// handleRemoveDuplicate discards a recorded duplicate
// DELETE /api/duplicates/{book_id}
func (h *Handler) handleRemoveDuplicate(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "book_id")
	if !h.backend.RemoveDuplicate(bookID) {
		h.writeError(w, http.StatusNotFound, "no duplicate recorded for this book")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Duplicate removed",
		"book_id": bookID,
	})
}

// handleListDuplicateGroups lists files in the ingest directory that
// share a stem or content hash.
// GET /api/duplicates/groups
func (h *Handler) handleListDuplicateGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.backend.ListDuplicateGroups()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"groups": groups,
	})
}

// handleSetDuplicateReviewed marks (or clears) a duplicate group's
// reviewed state.
// PUT /api/duplicates/groups/{group_id}/reviewed
func (h *Handler) handleSetDuplicateReviewed(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group_id")

	var req struct {
		Reviewed bool `json:"reviewed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.backend.SetDuplicateReviewed(groupID, req.Reviewed); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"group_id": groupID,
		"reviewed": req.Reviewed,
	})
}

// handleResolveIngestFile serves a file from the ingest directory by
// relative path, rejecting attempts to escape it.
// GET /api/ingest/file?path=<relative_path>
func (h *Handler) handleResolveIngestFile(w http.ResponseWriter, r *http.Request) {
	relativePath := r.URL.Query().Get("path")
	resolved, err := h.backend.ResolveIngestFile(relativePath)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.ServeFile(w, r, resolved)
}
