package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/ttsbot-control/store"
)

// HandleHealth is the liveness probe. It does not depend on secrets or storage.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   h.cfg().ServiceName,
	})
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"secrets", func() error {
			_, err := h.Services()
			return err
		}},
		{"store", func() error {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			_, err := h.deps.Repo.GetChannel(ctx, "readyz-probe")
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
