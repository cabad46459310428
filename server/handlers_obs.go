package server

import (
	"net/http"

	"github.com/onnwee/ttsbot-control/obs"
)

func writeIssued(w http.ResponseWriter, is *obs.Issued) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"token":            is.Token,
		"browserSourceUrl": is.BrowserSourceURL,
		"generated":        is.Generated,
	})
}

// HandleOBSGetToken returns the channel's browser-source token, creating one if needed.
func (h *Handlers) HandleOBSGetToken(w http.ResponseWriter, r *http.Request) {
	svc := servicesFrom(r.Context())
	is, err := svc.OBS.GetOrCreate(r.Context(), claims(r).UserLogin)
	if err != nil {
		writeServiceError(w, r, "obs token", err)
		return
	}
	writeIssued(w, is)
}

// HandleOBSGenerateToken rotates the token; existing browser sources stop verifying.
func (h *Handlers) HandleOBSGenerateToken(w http.ResponseWriter, r *http.Request) {
	svc := servicesFrom(r.Context())
	is, err := svc.OBS.Rotate(r.Context(), claims(r).UserLogin)
	if err != nil {
		writeServiceError(w, r, "obs rotate", err)
		return
	}
	writeIssued(w, is)
}

// HandleOBSVerify is called by the browser source with ?channel=&token=.
func (h *Handlers) HandleOBSVerify(w http.ResponseWriter, r *http.Request) {
	svc := servicesFrom(r.Context())
	channel, token := r.URL.Query().Get("channel"), r.URL.Query().Get("token")
	if channel == "" || token == "" {
		writeError(w, http.StatusBadRequest, "channel and token are required")
		return
	}
	ok, err := svc.OBS.Verify(r.Context(), channel, token)
	if err != nil {
		writeServiceError(w, r, "obs verify", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "valid": true})
}
