package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/ttsbot-control/rewards"
	"github.com/onnwee/ttsbot-control/telemetry"
	"github.com/onnwee/ttsbot-control/tokens"
	"github.com/onnwee/ttsbot-control/tts"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", slog.Any("err", err))
	}
}

// writeError writes {success:false, error:msg} plus any extra fields.
func writeError(w http.ResponseWriter, status int, msg string, extra ...map[string]any) {
	body := map[string]any{"success": false, "error": msg}
	for _, e := range extra {
		for k, v := range e {
			body[k] = v
		}
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// randomHex returns n random bytes hex encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// writeServiceError maps domain errors onto status codes:
// re-auth 401, reward sync the Helix status (else 502), vendor 503/502, anything else 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	log := telemetry.LoggerWithCorr(r.Context())

	var syncErr *rewards.SyncError
	var vendorErr *tts.VendorError
	switch {
	case tokens.NeedsReauth(err):
		log.Info(op+": twitch re-auth required", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusUnauthorized, err.Error(), map[string]any{"needsReauth": true})
	case errors.As(err, &syncErr):
		status := syncErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		log.Warn(op+": twitch sync failed", slog.Int("status", status), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, status, syncErr.Message)
	case errors.As(err, &vendorErr):
		status := http.StatusBadGateway
		if vendorErr.Status == http.StatusServiceUnavailable {
			status = http.StatusServiceUnavailable
		}
		log.Warn(op+": speech vendor failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, status, vendorErr.Message)
	default:
		log.Error(op+" failed", slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
