package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ashureev/artifact-viewer/internal/domain"
	"github.com/ashureev/artifact-viewer/internal/remote"
	"github.com/ashureev/artifact-viewer/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxSequenceBytes = 1 << 20

// SequenceHandler manages the saved animation sequence list.
type SequenceHandler struct {
	*Handler
	gen AnimationGenerator
}

// NewSequenceHandler creates a sequence handler.
func NewSequenceHandler(base *Handler, gen AnimationGenerator) *SequenceHandler {
	return &SequenceHandler{Handler: base, gen: gen}
}

// RegisterRoutes registers sequence routes.
func (h *SequenceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sequences", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Save)
		r.Post("/generate", h.Generate)
		r.Delete("/{index}", h.Delete)
	})
}

// List returns all saved sequences.
func (h *SequenceHandler) List(w http.ResponseWriter, r *http.Request) {
	seqs, err := h.repo.ListSequences(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sequences", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sequences")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sequences": seqs})
}

// Save appends the request body as a new sequence.
func (h *SequenceHandler) Save(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSequenceBytes))
	if err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "sequence too large")
		return
	}
	seq := domain.Sequence(body)
	if err := domain.ValidateSequence(seq); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.appendSequence(w, r, seq)
}

// Generate asks the processing service for an animation of the viewed
// session and appends it to the list.
func (h *SequenceHandler) Generate(w http.ResponseWriter, r *http.Request) {
	snap := h.ctrl.Snapshot()
	if snap.Stage != domain.StageViewing || snap.SessionID == "" {
		Error(w, http.StatusConflict, "invalid_stage")
		return
	}

	seq, err := h.gen.GenerateAnimation(r.Context(), snap.SessionID)
	if err != nil {
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			Error(w, http.StatusBadGateway, apiErr.Message)
			return
		}
		h.logger.Error("Failed to generate animation", "session_id", snap.SessionID, "error", err)
		Error(w, http.StatusBadGateway, "failed to generate animation")
		return
	}
	if err := domain.ValidateSequence(seq); err != nil {
		Error(w, http.StatusBadGateway, "processing service returned an invalid sequence")
		return
	}
	h.appendSequence(w, r, seq)
}

func (h *SequenceHandler) appendSequence(w http.ResponseWriter, r *http.Request, seq domain.Sequence) {
	index, err := h.repo.AppendSequence(r.Context(), seq)
	if err != nil {
		h.logger.Error("Failed to save sequence", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save sequence")
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{
		"index":    index,
		"sequence": seq,
	})
}

// Delete removes the sequence at the given index.
func (h *SequenceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		Error(w, http.StatusBadRequest, "invalid index")
		return
	}

	if err := h.repo.DeleteSequence(r.Context(), index); err != nil {
		if errors.Is(err, store.ErrSequenceNotFound) {
			Error(w, http.StatusNotFound, "sequence not found")
			return
		}
		h.logger.Error("Failed to delete sequence", "index", index, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete sequence")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
