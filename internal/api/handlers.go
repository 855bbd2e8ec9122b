package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"drawbridge/internal/engine"
	"drawbridge/internal/files"
	"drawbridge/internal/middleware"
	"drawbridge/internal/models"
	"drawbridge/internal/store"

	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
)

// Handler handles HTTP requests. Transport only - every operation delegates
// straight to the engine.
type Handler struct {
	engine SessionEngine
	files  files.Storage // nil when uploads are disabled
}

func NewHandler(eng SessionEngine, fileStorage files.Storage) *Handler {
	return &Handler{
		engine: eng,
		files:  fileStorage,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health reports process liveness plus resident session / client counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.engine.SessionCount(),
		"clients":  h.engine.ClientCount(),
	})
}

// ListSessions lists the sessions currently resident in memory.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Sessions())
}

// GetSession returns the full scene, lazily loading the session from disk.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, h.engine.View(id))
}

// SetElements replaces the session's scene.
func (h *Handler) SetElements(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Elements []models.Element `json:"elements"`
		AppState json.RawMessage  `json:"appState"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count, clients := h.engine.SetElements(r.Context(), id, body.Elements, body.AppState)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"elementCount": count,
		"clients":      clients,
	})
}

// AppendElements concatenates elements at the end of the scene.
func (h *Handler) AppendElements(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Elements []models.Element `json:"elements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count := h.engine.AppendElements(r.Context(), id, body.Elements)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"elementCount": count,
	})
}

// SetViewport applies a camera change. Missing fields default to a
// 800x600 frame at the origin.
func (h *Handler) SetViewport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	vp := models.Viewport{X: 0, Y: 0, Width: 800, Height: 600}
	if body.X != nil {
		vp.X = *body.X
	}
	if body.Y != nil {
		vp.Y = *body.Y
	}
	if body.Width != nil {
		vp.Width = *body.Width
	}
	if body.Height != nil {
		vp.Height = *body.Height
	}

	applied := h.engine.SetViewport(r.Context(), id, vp)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"viewport": applied,
	})
}

// Clear resets the session's scene.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.engine.Clear(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Undo drops the most recent operation.
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	count, err := h.engine.Undo(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrEmptyLog) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"message": "nothing to undo",
			})
			return
		}
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"elementCount": count,
	})
}

// Versions lists the current snapshot and the version history.
func (h *Handler) Versions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	current, versions := h.engine.Versions(id)
	if versions == nil {
		versions = []store.VersionInfo{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"current":  current,
		"versions": versions,
	})
}

// Restore rolls the session back to a versioned snapshot.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Timestamp == nil {
		writeError(w, http.StatusBadRequest, "timestamp is required")
		return
	}

	count, err := h.engine.Restore(r.Context(), id, *body.Timestamp)
	if err != nil {
		if errors.Is(err, engine.ErrVersionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"elementCount": count,
	})
}

// UploadFile stores an embedded-image blob and registers its metadata on
// the session. Answers 503 when no file storage is configured.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeError(w, http.StatusServiceUnavailable, "file storage is not configured")
		return
	}

	id := mux.Vars(r)["id"]

	var body struct {
		ID       string `json:"id"`
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Data == "" {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	blob, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data must be base64")
		return
	}

	fileID := body.ID
	if fileID == "" {
		fileID = ksuid.New().String()
	}

	if err := h.files.Save(fileID, blob); err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	meta := models.FileMeta{
		ID:       fileID,
		CdnURL:   "/api/files/" + fileID,
		MimeType: body.MimeType,
		Created:  time.Now().UnixMilli(),
	}
	if err := h.engine.RegisterFile(r.Context(), id, meta); err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"file":    meta,
	})
}

// DownloadFile serves a stored blob, or proxies an externally-hosted one
// recorded in session metadata. Unknown IDs are 404, upstream failures 502.
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileId"]
	meta, known := h.engine.FindFile(fileID)

	if h.files != nil {
		if rc, err := h.files.Open(fileID); err == nil {
			defer rc.Close()
			if known && meta.MimeType != "" {
				w.Header().Set("Content-Type", meta.MimeType)
			} else {
				w.Header().Set("Content-Type", "application/octet-stream")
			}
			io.Copy(w, rc)
			return
		}
	}

	if known && strings.HasPrefix(meta.CdnURL, "http") {
		resp, err := http.Get(meta.CdnURL)
		if err != nil {
			middleware.AddSpanError(r.Context(), err)
			writeError(w, http.StatusBadGateway, "upstream fetch failed")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			writeError(w, http.StatusBadGateway, "upstream fetch failed")
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		io.Copy(w, resp.Body)
		return
	}

	writeError(w, http.StatusNotFound, "unknown file")
}
