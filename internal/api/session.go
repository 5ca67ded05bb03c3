package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/ashureev/artifact-viewer/internal/credential"
	"github.com/ashureev/artifact-viewer/internal/lifecycle"
	"github.com/ashureev/artifact-viewer/internal/remote"
	"github.com/go-chi/chi/v5"
)

const (
	defaultMaxUploadBytes = 100 << 20
	multipartMemory       = 32 << 20
	uploadField           = "zipfile"
)

// SessionHandler handles upload, session state and renderer error endpoints.
type SessionHandler struct {
	*Handler
	maxUploadBytes int64
	uploadLimit    func(http.Handler) http.Handler

	// uploadMu rejects a second upload while one is being proxied.
	uploadMu sync.Mutex
}

// NewSessionHandler creates a session handler. uploadLimit wraps the upload
// route only and may be nil.
func NewSessionHandler(base *Handler, maxUploadBytes int64, uploadLimit func(http.Handler) http.Handler) *SessionHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	if uploadLimit == nil {
		uploadLimit = func(next http.Handler) http.Handler { return next }
	}
	return &SessionHandler{Handler: base, maxUploadBytes: maxUploadBytes, uploadLimit: uploadLimit}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.With(h.uploadLimit).Post("/upload", h.Upload)
		r.Post("/session/reset", h.Reset)
		r.Post("/session/refresh", h.RefreshToken)
		r.Post("/renderer/errors", h.RendererError)
	})
}

// GetSession returns the controller snapshot.
func (h *SessionHandler) GetSession(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.ctrl.Snapshot())
}

// Upload proxies a multipart archive to the processing service.
func (h *SessionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.uploadMu.TryLock() {
		h.logger.Warn("Upload already in progress")
		Error(w, http.StatusConflict, "upload_in_progress")
		return
	}
	defer h.uploadMu.Unlock()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "archive too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Debug("Failed to remove multipart temp files", "error", err)
		}
	}()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		Error(w, http.StatusBadRequest, "missing zipfile")
		return
	}
	defer file.Close()

	h.logger.Info("Upload received", "filename", header.Filename, "size", header.Size)

	sessionID, err := h.ctrl.Upload(r.Context(), header.Filename, file)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	JSON(w, http.StatusAccepted, map[string]interface{}{
		"sessionId": sessionID,
		"snapshot":  h.ctrl.Snapshot(),
	})
}

func (h *SessionHandler) writeUploadError(w http.ResponseWriter, err error) {
	var apiErr *remote.APIError
	switch {
	case errors.Is(err, lifecycle.ErrInvalidStage):
		Error(w, http.StatusConflict, "invalid_stage")
	case errors.As(err, &apiErr):
		h.logger.Warn("Processing service rejected upload", "status", apiErr.StatusCode, "error", apiErr.Message)
		msg := apiErr.Message
		if msg == "" {
			msg = "processing service error"
		}
		Error(w, http.StatusBadGateway, msg)
	default:
		h.logger.Error("Upload failed", "error", err)
		Error(w, http.StatusBadGateway, "upload failed")
	}
}

// Reset abandons the current session.
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StartNew(r.Context()); err != nil {
		h.logger.Error("Failed to reset session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	JSON(w, http.StatusOK, h.ctrl.Snapshot())
}

// RefreshToken refreshes the access token of the viewed session on demand.
func (h *SessionHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.ctrl.RefreshToken(r.Context())
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"accessToken": token})
	case errors.Is(err, lifecycle.ErrInvalidStage):
		Error(w, http.StatusConflict, "invalid_stage")
	case errors.Is(err, credential.ErrSessionInvalid), errors.Is(err, credential.ErrNoSession):
		Error(w, http.StatusGone, "session_invalid")
	default:
		h.logger.Warn("Manual token refresh failed", "error", err)
		Error(w, http.StatusBadGateway, "token refresh failed")
	}
}

type rendererErrorRequest struct {
	Code *int `json:"code"`
}

// RendererError receives an error code from the renderer.
func (h *SessionHandler) RendererError(w http.ResponseWriter, r *http.Request) {
	var req rendererErrorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil || req.Code == nil {
		Error(w, http.StatusBadRequest, "code is required")
		return
	}

	res, err := h.ctrl.ReportRendererError(*req.Code)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidStage) {
			Error(w, http.StatusConflict, "invalid_stage")
			return
		}
		h.logger.Error("Renderer error handling failed", "code", *req.Code, "error", err)
		Error(w, http.StatusInternalServerError, "failed to handle renderer error")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"outcome":      res.Outcome,
		"accessToken":  res.Token,
		"attempt":      res.Attempt,
		"maxAttempts":  res.MaxAttempts,
		"retryAfterMs": res.RetryAfter.Milliseconds(),
	})
}
