package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/ttsbot-control/shortlink"
	"github.com/onnwee/ttsbot-control/store"
)

// HandleShortLinkCreate validates the URL before anything is written.
func (h *Handlers) HandleShortLinkCreate(w http.ResponseWriter, r *http.Request) {
	svc := servicesFrom(r.Context())
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := svc.ShortLinks.Create(r.Context(), req.URL)
	if errors.Is(err, shortlink.ErrInvalidURL) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, r, "shortlink create", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "slug": created.Slug, "shortUrl": created.ShortURL})
}

// HandleShortLinkRedirect answers 301 to the stored target.
func (h *Handlers) HandleShortLinkRedirect(w http.ResponseWriter, r *http.Request) {
	svc := servicesFrom(r.Context())
	target, err := svc.ShortLinks.Resolve(r.Context(), r.PathValue("slug"))
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeServiceError(w, r, "shortlink resolve", err)
		return
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}
