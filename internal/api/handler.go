// Package api provides HTTP handlers for the viewer API.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/artifact-viewer/internal/credential"
	"github.com/ashureev/artifact-viewer/internal/domain"
	"github.com/ashureev/artifact-viewer/internal/lifecycle"
	"github.com/ashureev/artifact-viewer/internal/store"
)

// SessionController is the lifecycle surface used by the handlers.
type SessionController interface {
	Snapshot() lifecycle.Snapshot
	Upload(ctx context.Context, filename string, archive io.Reader) (string, error)
	StartNew(ctx context.Context) error
	ReportRendererError(code int) (credential.Result, error)
	RefreshToken(ctx context.Context) (string, error)
}

// AnimationGenerator produces an animation sequence for a processed session.
type AnimationGenerator interface {
	GenerateAnimation(ctx context.Context, sessionID string) (domain.Sequence, error)
}

// Handler provides common handler utilities.
type Handler struct {
	repo   store.Repository
	ctrl   SessionController
	logger *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, ctrl SessionController, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:   repo,
		ctrl:   ctrl,
		logger: logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
