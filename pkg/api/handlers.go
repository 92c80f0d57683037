package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/auth"
	"github.com/ngoyal88/ragsearch/pkg/middleware"
	"github.com/ngoyal88/ragsearch/pkg/models"
	"github.com/ngoyal88/ragsearch/pkg/rag"
	"github.com/ngoyal88/ragsearch/pkg/ratelimit"
)

const maxBodyBytes = 64 << 10

type askBody struct {
	Query string `json:"query"`
	Model string `json:"model"`
	K     *int   `json:"k"`
}

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "RAG Search Assistant API running",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn("storage ping failed", zap.Error(err))
			health["storage"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["storage"] = "healthy"
		}
	}

	respondJSON(w, http.StatusOK, health)
}

func (h *Handler) ask(w http.ResponseWriter, r *http.Request) {
	var body askBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		h.logger.Debug("undecodable ask body", zap.Error(err))
		respondError(w, rag.InvalidRequestMessage, http.StatusBadRequest)
		return
	}

	k := rag.DefaultK
	if body.K != nil {
		k = *body.K
	}

	resp, err := h.service.Ask(r.Context(), rag.AskRequest{
		Query:   body.Query,
		Model:   body.Model,
		K:       k,
		Subject: middleware.SubjectFromContext(r.Context()),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if resp.Fallback {
		w.Header().Set("X-Answer-Fallback", "true")
	}
	if resp.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	}
	respondJSON(w, http.StatusOK, resp)
}

// writeError maps the error taxonomy onto status codes. Validation and
// credential failures get generic bodies; upstream failures carry their message.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		validation  *rag.ValidationError
		upstream    *rag.UpstreamError
		unsupported *models.UnsupportedModelError
	)
	switch {
	case errors.As(err, &validation):
		respondError(w, rag.InvalidRequestMessage, http.StatusBadRequest)
	case errors.Is(err, auth.ErrUnauthorized):
		respondError(w, middleware.UnauthorizedMessage, http.StatusUnauthorized)
	case errors.Is(err, ratelimit.ErrLimited):
		respondError(w, ratelimit.DeniedMessage, http.StatusTooManyRequests)
	case errors.As(err, &unsupported):
		h.logger.Error("unsupported model", zap.String("model_id", unsupported.ModelID))
		respondError(w, err.Error(), http.StatusInternalServerError)
	case errors.As(err, &upstream):
		respondError(w, err.Error(), http.StatusInternalServerError)
	default:
		h.logger.Error("unhandled error in /api/ask", zap.Error(err))
		respondError(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}
